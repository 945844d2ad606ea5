package httpresponse

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// APIError is the body of every error response served by pact-mock.
type APIError struct {
	ErrorMessage string      `json:"error_message"`
	Details      interface{} `json:"details,omitempty"`
}

func Error(error string) *APIError {
	log.Error(error)
	e := &APIError{
		ErrorMessage: error,
	}
	return e
}

func Errorf(error string, a ...interface{}) *APIError {
	return Error(fmt.Sprintf(error, a...))
}

func (e *APIError) WithDetails(details interface{}) *APIError {
	e.Details = details
	return e
}

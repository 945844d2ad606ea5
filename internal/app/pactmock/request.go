package pactmock

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const mediaTypeJSON = "application/json"

// Request is an actual request received by the mock provider.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   url.Values        `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
	RawBody string            `json:"-"`
}

func (r Request) hasBody() bool {
	return r.Body != nil || r.RawBody != ""
}

// ParseRequest reads req into a Request. JSON bodies (application/json or any
// +json media type) are decoded into a value tree; anything else is kept as text.
func ParseRequest(req *http.Request) (Request, error) {
	request := Request{
		Method:  strings.ToUpper(req.Method),
		Path:    req.URL.Path,
		Headers: flattenHeaders(req.Header),
	}
	if query := req.URL.Query(); len(query) > 0 {
		request.Query = query
	}

	if req.Body == nil {
		return request, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return Request{}, errors.Wrap(err, "unable to read request body")
	}
	if err := req.Body.Close(); err != nil {
		return Request{}, errors.Wrap(err, "unable to close request body")
	}
	req.Body = io.NopCloser(bytes.NewBuffer(data))

	if len(data) == 0 {
		return request, nil
	}
	request.RawBody = string(data)
	request.Body = parseBody(req.Header.Get("Content-Type"), data)
	return request, nil
}

func parseBody(contentType string, data []byte) interface{} {
	if contentType == "" {
		if json.Valid(data) {
			if body, err := decodeJSON(data); err == nil {
				return body
			}
		}
		return string(data)
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		log.Infof("unable to parse Content-Type %q - treating body as text", contentType)
		return string(data)
	}
	if !isJSONMediaType(mediaType) {
		return string(data)
	}

	body, err := decodeJSON(data)
	if err != nil {
		log.Infof("body declared as %s is not valid JSON - treating body as text", mediaType)
		return string(data)
	}
	return body
}

func decodeJSON(data []byte) (interface{}, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var body interface{}
	if err := decoder.Decode(&body); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, errors.New("unexpected data after JSON value")
	}
	return body, nil
}

func isJSONMediaType(mediaType string) bool {
	return mediaType == mediaTypeJSON || strings.HasSuffix(mediaType, "+json")
}

func flattenHeaders(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	h := make(map[string]string, len(header))
	for name, values := range header {
		h[http.CanonicalHeaderKey(name)] = strings.Join(values, ", ")
	}
	return h
}

// encodeBody serializes a response body. A string body with a non-JSON
// Content-Type is written as text; everything else is JSON.
func encodeBody(response ResponseSpec) ([]byte, string, error) {
	example := response.Body.Example()
	contentType := response.Headers["Content-Type"]

	if s, ok := example.(string); ok && contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil && !isJSONMediaType(mediaType) {
			return []byte(s), contentType, nil
		}
	}

	data, err := json.Marshal(example)
	if err != nil {
		return nil, "", errors.Wrap(err, "unable to encode response body")
	}
	if contentType == "" {
		contentType = mediaTypeJSON
	}
	return data, contentType, nil
}

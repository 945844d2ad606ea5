package pactmock

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
)

// AdminConfiguration talks to a pact-mock admin API.
type AdminConfiguration struct {
	client http.Client
	url    string
}

func Configuration(url string) *AdminConfiguration {
	return &AdminConfiguration{
		client: http.Client{
			Timeout: 30 * time.Second,
		},
		url: strings.TrimSuffix(url, "/"),
	}
}

// SetupProvider starts a mock provider replaying the pact v2 contract. A
// port of 0 lets the admin API pick one.
func (conf *AdminConfiguration) SetupProvider(contract []byte, port int) (*Provider, error) {
	target := conf.url + "/providers"
	if port != 0 {
		target += "?port=" + strconv.Itoa(port)
	}

	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(contract))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := conf.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up mock provider")
	}
	defer res.Body.Close()

	responseBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusCreated {
		return nil, apiError(res.StatusCode, responseBody)
	}

	var started struct {
		Port int    `json:"port"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(responseBody, &started); err != nil {
		return nil, errors.Wrap(err, "failed to decode mock provider")
	}
	return &Provider{
		client:   conf.client,
		adminURL: conf.url,
		Port:     started.Port,
		URL:      started.URL,
	}, nil
}

// Providers lists the running mock providers.
func (conf *AdminConfiguration) Providers() ([]ProviderInfo, error) {
	res, err := conf.client.Get(conf.url + "/providers")
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, apiError(res.StatusCode, body)
	}
	var infos []ProviderInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, errors.Wrap(err, "failed to decode providers")
	}
	return infos, nil
}

// Reset stops every mock provider.
func (conf *AdminConfiguration) Reset() error {
	req, err := http.NewRequest(http.MethodDelete, conf.url+"/providers", nil)
	if err != nil {
		return err
	}

	res, err := conf.client.Do(req)
	if err != nil {
		return err
	}
	res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return errors.New("error resetting mock providers")
	}
	return nil
}

func (conf *AdminConfiguration) IsReady() error {
	res, err := conf.client.Get(conf.url + "/ready")
	if err != nil {
		return err
	}
	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return errors.Errorf("admin API is not ready: %d", res.StatusCode)
	}
	return nil
}

// WaitUntilReady polls IsReady until it succeeds or ctx is done.
func (conf *AdminConfiguration) WaitUntilReady(ctx context.Context) error {
	err := retry.Do(conf.IsReady,
		retry.Context(ctx),
		retry.Attempts(20),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return errors.Wrap(err, "admin API readiness wait failed")
}

func apiError(status int, body []byte) error {
	var envelope struct {
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.ErrorMessage != "" {
		return &Error{StatusCode: status, Message: envelope.ErrorMessage}
	}
	return &Error{StatusCode: status, Message: string(body)}
}

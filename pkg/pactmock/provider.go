package pactmock

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// Provider is a mock provider started through the admin API.
type Provider struct {
	client   http.Client
	adminURL string

	Port int
	URL  string
}

func (p *Provider) endpoint(path string) string {
	return fmt.Sprintf("%s/providers/%d%s", p.adminURL, p.Port, path)
}

// Verify fetches the verdict. The error is nil when the verdict was
// retrieved, whether or not it passed.
func (p *Provider) Verify() (*Verdict, error) {
	res, err := p.client.Get(p.endpoint("/verification"))
	if err != nil {
		return nil, err
	}
	return decodeVerdict(res, http.StatusOK, http.StatusInternalServerError)
}

func (p *Provider) WaitForAll() error {
	return p.wait(url.Values{})
}

func (p *Provider) WaitForInteraction(interaction string, count int) error {
	q := url.Values{}
	q.Add("interaction", interaction)
	q.Add("count", strconv.Itoa(count))
	return p.wait(q)
}

func (p *Provider) wait(q url.Values) error {
	target := p.endpoint("/interactions/wait")
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	res, err := p.client.Get(target)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return apiError(res.StatusCode, body)
	}
	return nil
}

// WritePact writes the provider's interactions to the admin API's pact
// directory and returns the file path.
func (p *Provider) WritePact() (string, error) {
	res, err := p.client.Post(p.endpoint("/pact"), "application/json", nil)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", apiError(res.StatusCode, body)
	}
	var written struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(body, &written); err != nil {
		return "", errors.Wrap(err, "failed to decode pact location")
	}
	return written.Path, nil
}

// Stop drains and removes the provider, returning its final verdict.
func (p *Provider) Stop() (*Verdict, error) {
	req, err := http.NewRequest(http.MethodDelete, p.endpoint(""), nil)
	if err != nil {
		return nil, err
	}
	res, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	return decodeVerdict(res, http.StatusOK)
}

func decodeVerdict(res *http.Response, accepted ...int) (*Verdict, error) {
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	for _, status := range accepted {
		if res.StatusCode == status {
			var verdict Verdict
			if err := json.Unmarshal(body, &verdict); err != nil {
				return nil, errors.Wrap(err, "failed to decode verdict")
			}
			return &verdict, nil
		}
	}
	return nil, apiError(res.StatusCode, body)
}

package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/form3tech-oss/pact-mock/internal/app/contract"
	"github.com/form3tech-oss/pact-mock/internal/app/pactmock"
	client "github.com/form3tech-oss/pact-mock/pkg/pactmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	fraudContentType = "application/vnd.fraud.v1+json"

	nonFraudInteraction = "should mark client as not fraud"
	fraudInteraction    = "should mark client as fraud"
	fraudsInteraction   = "should count all frauds"
	drunksInteraction   = "should count all drunks"
)

type LoanStage struct {
	t            *testing.T
	assert       *assert.Assertions
	require      *require.Assertions
	interactions []pactmock.Interaction
	provider     *client.Provider
	mu           sync.Mutex
	pending      sync.WaitGroup
	responses    []*http.Response
	bodies       [][]byte
	waitErr      error
	pactPath     string
}

func NewLoanStage(t *testing.T) (*LoanStage, *LoanStage, *LoanStage) {
	s := &LoanStage{
		t:       t,
		assert:  assert.New(t),
		require: require.New(t),
	}

	s.t.Cleanup(func() {
		client.Configuration(adminURL.String()).Reset()
	})

	return s, s, s
}

func waitForAdmin() error {
	conf := client.Configuration(adminURL.String())

	retryOpts := []retry.Option{
		retry.Attempts(10),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(100 * time.Millisecond),
	}

	err := retry.Do(conf.IsReady, retryOpts...)
	if err != nil {
		return errors.Wrap(err, "admin API readiness wait failed")
	}
	return nil
}

func (s *LoanStage) and() *LoanStage {
	return s
}

func (s *LoanStage) interaction(b pactmock.InteractionBuilder) *LoanStage {
	i, err := b.Build()
	s.require.NoError(err)
	s.interactions = append(s.interactions, i)
	return s
}

func body(v interface{}) *pactmock.BodyMatcher {
	m := pactmock.MatcherFrom(v)
	return &m
}

func fraudHeaders() map[string]string {
	return map[string]string{"Content-Type": fraudContentType}
}

func (s *LoanStage) a_non_fraud_interaction() *LoanStage {
	return s.a_non_fraud_interaction_for_(99999)
}

func (s *LoanStage) a_non_fraud_interaction_for_(loanAmount interface{}) *LoanStage {
	return s.interaction(pactmock.NewInteraction(nonFraudInteraction).
		Given("client is not a fraudster").
		WithRequest(pactmock.RequestSpec{
			Method:  "PUT",
			Path:    "/fraudcheck",
			Headers: fraudHeaders(),
			Body:    body(map[string]interface{}{"clientId": "1234567890", "loanAmount": loanAmount}),
		}).
		WillRespondWith(pactmock.ResponseSpec{
			Status:  200,
			Headers: fraudHeaders(),
			Body:    body(map[string]interface{}{"fraudCheckStatus": "OK", "rejectionReason": nil}),
		}))
}

func (s *LoanStage) a_fraud_interaction() *LoanStage {
	return s.interaction(pactmock.NewInteraction(fraudInteraction).
		WithRequest(pactmock.RequestSpec{
			Method:  "PUT",
			Path:    "/fraudcheck",
			Headers: fraudHeaders(),
			Body: body(map[string]interface{}{
				"clientId":   pactmock.Regex("1234567890", "[0-9]{10}"),
				"loanAmount": pactmock.Like(99999),
			}),
		}).
		WillRespondWith(pactmock.ResponseSpec{
			Status:  200,
			Headers: fraudHeaders(),
			Body:    body(map[string]interface{}{"fraudCheckStatus": "FRAUD", "rejectionReason": "Amount too high"}),
		}))
}

func (s *LoanStage) a_count_interaction_for_(description, path string, count int) *LoanStage {
	return s.interaction(pactmock.NewInteraction(description).
		WithRequest(pactmock.RequestSpec{Method: "GET", Path: path}).
		WillRespondWith(pactmock.ResponseSpec{
			Status: 200,
			Body:   body(map[string]interface{}{"count": count}),
		}))
}

func (s *LoanStage) the_mock_provider_is_started() *LoanStage {
	s.require.NoError(waitForAdmin())

	data, err := contract.Write(contract.Contract{
		Consumer:     "Loan Issuance",
		Provider:     "Fraud Detection",
		Interactions: s.interactions,
	})
	s.require.NoError(err)

	s.provider, err = client.Configuration(adminURL.String()).SetupProvider(data, 0)
	s.require.NoError(err)
	return s
}

func (s *LoanStage) send(method, path, payload string) {
	var reader io.Reader
	if payload != "" {
		reader = strings.NewReader(payload)
	}
	req, err := http.NewRequest(method, s.provider.URL+path, reader)
	s.require.NoError(err)
	if payload != "" {
		req.Header.Set("Content-Type", fraudContentType)
	}

	res, err := http.DefaultClient.Do(req)
	s.require.NoError(err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	s.require.NoError(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, res)
	s.bodies = append(s.bodies, data)
}

// a_fraud_check_is_sent_for_ takes the loan amount verbatim so callers can
// send numbers like 99999.0.
func (s *LoanStage) a_fraud_check_is_sent_for_(clientID, loanAmount string) *LoanStage {
	s.send(http.MethodPut, "/fraudcheck", fmt.Sprintf(`{"clientId":%q,"loanAmount":%s}`, clientID, loanAmount))
	return s
}

func (s *LoanStage) a_get_request_is_sent_to_(path string) *LoanStage {
	s.send(http.MethodGet, path, "")
	return s
}

func (s *LoanStage) n_fraud_checks_are_sent_concurrently(n int) *LoanStage {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			s.a_fraud_check_is_sent_for_("9999999999", "42")
			return nil
		})
	}
	s.require.NoError(g.Wait())
	return s
}

func (s *LoanStage) a_fraud_check_is_sent_after_(delay time.Duration) *LoanStage {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		time.Sleep(delay)
		s.a_fraud_check_is_sent_for_("1234567890", "99999")
	}()
	return s
}

func (s *LoanStage) the_consumer_waits_for_(description string, count int) *LoanStage {
	s.waitErr = s.provider.WaitForInteraction(description, count)
	return s
}

func (s *LoanStage) the_pact_is_written() *LoanStage {
	var err error
	s.pactPath, err = s.provider.WritePact()
	s.require.NoError(err)
	return s
}

func (s *LoanStage) the_nth_response_is_(n, status int) *LoanStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.require.GreaterOrEqual(len(s.responses), n)
	s.assert.Equal(status, s.responses[n-1].StatusCode, string(s.bodies[n-1]))
	return s
}

func (s *LoanStage) the_nth_response_body_is_(n int, expected string) *LoanStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.require.GreaterOrEqual(len(s.bodies), n)
	s.assert.JSONEq(expected, string(s.bodies[n-1]))
	return s
}

func (s *LoanStage) all_responses_are_(status int) *LoanStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, res := range s.responses {
		s.assert.Equal(status, res.StatusCode, string(s.bodies[i]))
	}
	return s
}

func (s *LoanStage) the_nth_response_explains_(n int, mismatch string) *LoanStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.require.GreaterOrEqual(len(s.bodies), n)

	var apiErr struct {
		ErrorMessage string `json:"error_message"`
		Details      struct {
			Mismatches map[string][]string `json:"mismatches"`
		} `json:"details"`
	}
	s.require.NoError(json.Unmarshal(s.bodies[n-1], &apiErr))
	s.assert.Contains(fmt.Sprint(apiErr.Details.Mismatches), mismatch)
	return s
}

func (s *LoanStage) the_wait_succeeds() *LoanStage {
	s.pending.Wait()
	s.assert.NoError(s.waitErr)
	return s
}

func (s *LoanStage) the_wait_times_out() *LoanStage {
	var apiErr *client.Error
	s.require.ErrorAs(s.waitErr, &apiErr)
	s.assert.Equal(http.StatusRequestTimeout, apiErr.StatusCode)
	return s
}

func (s *LoanStage) pact_verification_is_successful() *LoanStage {
	verdict, err := s.provider.Verify()
	s.require.NoError(err)
	s.assert.NoError(verdict.Err())
	return s
}

func (s *LoanStage) pact_verification_is_not_successful() *client.Verdict {
	verdict, err := s.provider.Verify()
	s.require.NoError(err)
	s.assert.False(verdict.AllRegisteredInteractionsMatched)
	return verdict
}

func (s *LoanStage) pact_verification_reports_missing_(description string) *LoanStage {
	verdict := s.pact_verification_is_not_successful()
	var missing []string
	for _, i := range verdict.UnmatchedInteractions {
		missing = append(missing, i.Description)
	}
	s.assert.Equal([]string{description}, missing)
	return s
}

func (s *LoanStage) pact_verification_reports_unexpected_(method, path string) *LoanStage {
	verdict := s.pact_verification_is_not_successful()
	s.require.Len(verdict.UnexpectedRequests, 1)
	s.assert.Equal(method, verdict.UnexpectedRequests[0].Method)
	s.assert.Equal(path, verdict.UnexpectedRequests[0].Path)
	return s
}

func (s *LoanStage) the_pact_file_has_n_interactions(n int) *LoanStage {
	data, err := os.ReadFile(s.pactPath)
	s.require.NoError(err)

	written, err := contract.Read(data)
	s.require.NoError(err)
	s.assert.Len(written.Interactions, n)
	return s
}

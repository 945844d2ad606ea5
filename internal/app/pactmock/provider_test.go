package pactmock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pact-foundation/pact-go/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestProvider(t *testing.T, interactions ...Interaction) *MockProvider {
	t.Helper()
	p := NewMockProvider(Config{
		WaitDelay:    10 * time.Millisecond,
		WaitDuration: 300 * time.Millisecond,
		DrainTimeout: time.Second,
	})
	for _, i := range interactions {
		require.NoError(t, p.RegisterInteraction(i))
	}
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	return p
}

func nonFraudInteraction(t *testing.T) Interaction {
	reqBody := MatcherFrom(map[string]interface{}{
		"clientId":   "1234567890",
		"loanAmount": 99999,
	})
	respBody := MatcherFrom(map[string]interface{}{
		"fraudCheckStatus": "OK",
		"rejectionReason":  nil,
	})
	return mustBuild(t, NewInteraction("should mark client as not fraud").
		WithRequest(RequestSpec{
			Method:  http.MethodPut,
			Path:    "/fraudcheck",
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    &reqBody,
		}).
		WillRespondWith(ResponseSpec{
			Status:  http.StatusOK,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    &respBody,
		}))
}

func countInteraction(t *testing.T, description, path string, count int) Interaction {
	body := MatcherFrom(map[string]interface{}{"count": count})
	return mustBuild(t, NewInteraction(description).
		WithRequest(RequestSpec{Method: http.MethodGet, Path: path}).
		WillRespondWith(ResponseSpec{Status: http.StatusOK, Body: &body}))
}

func put(t *testing.T, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestMockProviderLifecycle(t *testing.T) {
	p := newTestProvider(t, nonFraudInteraction(t))
	assert.Equal(t, Stopped, p.State())

	port, err := p.Start(0)
	require.NoError(t, err)
	assert.NotZero(t, port)
	assert.Equal(t, Listening, p.State())
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", port), p.URL())

	again, err := p.Start(0)
	require.NoError(t, err)
	assert.Equal(t, port, again)

	require.NoError(t, p.Stop(0))
	assert.Equal(t, Stopped, p.State())
	require.NoError(t, p.Stop(0))
}

func TestMockProviderStartOnFixedPort(t *testing.T) {
	free, err := utils.GetFreePort()
	require.NoError(t, err)

	p := newTestProvider(t)
	port, err := p.Start(free)
	require.NoError(t, err)
	assert.Equal(t, free, port)

	other := newTestProvider(t)
	_, err = other.Start(free)
	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr), "expected a bind error, got %v", err)
	assert.Equal(t, Stopped, other.State())
}

func TestRegisterInteraction(t *testing.T) {
	i := nonFraudInteraction(t)
	p := newTestProvider(t, i)

	err := p.RegisterInteraction(i)
	var invalid *InvalidInteractionError
	require.True(t, errors.As(err, &invalid))

	require.Error(t, p.RegisterInteraction(Interaction{description: "incomplete"}))

	_, err = p.Start(0)
	require.NoError(t, err)
	assert.ErrorIs(t, p.RegisterInteraction(countInteraction(t, "late", "/late", 1)), ErrRegistrationClosed)
	assert.ErrorIs(t, p.Reset(), ErrRegistrationClosed)

	require.NoError(t, p.Stop(0))
	require.NoError(t, p.RegisterInteraction(countInteraction(t, "late", "/late", 1)))
	assert.Len(t, p.Interactions(), 2)
}

func TestMatchedRequestGetsCannedResponse(t *testing.T) {
	p := newTestProvider(t, nonFraudInteraction(t))
	_, err := p.Start(0)
	require.NoError(t, err)

	resp := put(t, p.URL()+"/fraudcheck", `{"clientId":"1234567890","loanAmount":99999.0}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"fraudCheckStatus":"OK","rejectionReason":null}`, readBody(t, resp))

	require.NoError(t, p.Stop(0))
	verdict := p.Verify()
	assert.True(t, verdict.AllRegisteredInteractionsMatched)
	require.NoError(t, verdict.Err())

	records := p.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Matched)
	assert.NotEmpty(t, records[0].ID)
	assert.Equal(t, "should mark client as not fraud", records[0].Interaction.Description())
}

func TestUnmatchedRequestGetsServerError(t *testing.T) {
	p := newTestProvider(t, nonFraudInteraction(t))
	_, err := p.Start(0)
	require.NoError(t, err)

	resp := put(t, p.URL()+"/fraudcheck", `{"clientId":"123","loanAmount":99999}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body struct {
		ErrorMessage string `json:"error_message"`
		Details      struct {
			Mismatches map[string][]string `json:"mismatches"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal([]byte(readBody(t, resp)), &body))
	assert.Equal(t, "no interaction found for PUT /fraudcheck", body.ErrorMessage)
	assert.Contains(t, body.Details.Mismatches, "should mark client as not fraud")

	require.NoError(t, p.Stop(0))
	verdict := p.Verify()
	assert.False(t, verdict.AllRegisteredInteractionsMatched)
	require.Len(t, verdict.UnexpectedRequests, 1)
	require.Len(t, verdict.UnmatchedInteractions, 1)

	err = verdict.Err()
	var verr *VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "missing requests:")
	assert.Contains(t, err.Error(), `unexpected request PUT /fraudcheck with body {"clientId":"123","loanAmount":99999}`)
}

func TestVerifyWithoutStartReportsAllMissing(t *testing.T) {
	p := newTestProvider(t, nonFraudInteraction(t), countInteraction(t, "frauds", "/frauds", 200))

	verdict := p.Verify()
	assert.False(t, verdict.AllRegisteredInteractionsMatched)
	assert.Len(t, verdict.UnmatchedInteractions, 2)
	assert.Empty(t, verdict.UnexpectedRequests)
}

func TestRestartClearsRecords(t *testing.T) {
	p := newTestProvider(t, countInteraction(t, "frauds", "/frauds", 200))
	_, err := p.Start(0)
	require.NoError(t, err)

	resp, err := http.Get(p.URL() + "/frauds")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":200}`, readBody(t, resp))
	require.NoError(t, p.Stop(0))
	assert.Len(t, p.Records(), 1)

	_, err = p.Start(0)
	require.NoError(t, err)
	assert.Empty(t, p.Records())
	require.NoError(t, p.Stop(0))
	assert.False(t, p.Verify().AllRegisteredInteractionsMatched)

	require.NoError(t, p.Reset())
	assert.Empty(t, p.Interactions())
	assert.True(t, p.Verify().AllRegisteredInteractionsMatched)
}

func TestRecordsAfterStopAreDiscarded(t *testing.T) {
	p := newTestProvider(t, countInteraction(t, "frauds", "/frauds", 200))
	_, err := p.Start(0)
	require.NoError(t, err)

	p.recordsMu.Lock()
	generation := p.generation
	p.recordsMu.Unlock()

	require.NoError(t, p.Stop(0))
	p.record(generation, InvocationRecord{Request: Request{Method: "GET", Path: "/frauds"}})
	assert.Empty(t, p.Records())

	_, err = p.Start(0)
	require.NoError(t, err)
	p.record(generation, InvocationRecord{Request: Request{Method: "GET", Path: "/frauds"}})
	assert.Empty(t, p.Records())
}

func TestConcurrentRequestsAreAllRecorded(t *testing.T) {
	frauds := countInteraction(t, "frauds", "/frauds", 200)
	drunks := countInteraction(t, "drunks", "/drunks", 100)
	p := newTestProvider(t, frauds, drunks)
	_, err := p.Start(0)
	require.NoError(t, err)

	const requests = 50
	g, _ := errgroup.WithContext(context.Background())
	for i := 0; i < requests; i++ {
		path := "/frauds"
		if i%2 == 1 {
			path = "/drunks"
		}
		g.Go(func() error {
			resp, err := http.Get(p.URL() + path)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("GET %s returned %d", path, resp.StatusCode)
			}
			_, err = io.Copy(io.Discard, resp.Body)
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, p.WaitForInteraction(context.Background(), "frauds", requests/2))
	require.NoError(t, p.WaitForAll(context.Background()))
	require.NoError(t, p.Stop(0))

	assert.Len(t, p.Records(), requests)
	assert.Equal(t, requests/2, p.requestCount("drunks"))
	assert.True(t, p.Verify().AllRegisteredInteractionsMatched)
	assert.Equal(t, float64(requests), testutil.ToFloat64(p.metrics.requests.WithLabelValues(resultMatched)))
}

func TestWaitForInteraction(t *testing.T) {
	p := newTestProvider(t, countInteraction(t, "frauds", "/frauds", 200))
	_, err := p.Start(0)
	require.NoError(t, err)

	err = p.WaitForInteraction(context.Background(), "unknown", 1)
	assert.ErrorIs(t, err, ErrInteractionUnknown)

	go func() {
		time.Sleep(50 * time.Millisecond)
		resp, err := http.Get(p.URL() + "/frauds")
		if err == nil {
			resp.Body.Close()
		}
	}()
	require.NoError(t, p.WaitForInteraction(context.Background(), "frauds", 1))

	start := time.Now()
	assert.ErrorIs(t, p.WaitForInteraction(context.Background(), "frauds", 2), ErrWaitTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitForAllTimesOut(t *testing.T) {
	p := newTestProvider(t, countInteraction(t, "frauds", "/frauds", 200), countInteraction(t, "drunks", "/drunks", 100))
	_, err := p.Start(0)
	require.NoError(t, err)

	resp, err := http.Get(p.URL() + "/frauds")
	require.NoError(t, err)
	resp.Body.Close()

	assert.ErrorIs(t, p.WaitForAll(context.Background()), ErrWaitTimeout)
}

func TestStopReportsDrainTimeout(t *testing.T) {
	p := newTestProvider(t, nonFraudInteraction(t), countInteraction(t, "frauds", "/frauds", 200))
	_, err := p.Start(0)
	require.NoError(t, err)

	resp, err := http.Get(p.URL() + "/frauds")
	require.NoError(t, err)
	resp.Body.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(p.URL(), "http://"))
	require.NoError(t, err)
	defer conn.Close()

	var stalled bytes.Buffer
	stalled.WriteString("PUT /fraudcheck HTTP/1.1\r\n")
	stalled.WriteString("Host: localhost\r\n")
	stalled.WriteString("Content-Type: application/json\r\n")
	stalled.WriteString("Content-Length: 100\r\n\r\n")
	stalled.WriteString(`{"clientId":`)
	_, err = conn.Write(stalled.Bytes())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.InFlight() == 1 }, 2*time.Second, 10*time.Millisecond)

	err = p.Stop(100 * time.Millisecond)
	var drainErr *DrainTimeoutError
	require.True(t, errors.As(err, &drainErr), "expected a drain timeout, got %v", err)
	assert.Equal(t, int64(1), drainErr.InFlight)
	assert.Equal(t, Stopped, p.State())

	verdict := p.Verify()
	assert.Len(t, p.Records(), 1)
	assert.Len(t, verdict.UnmatchedInteractions, 1)
	assert.Equal(t, drainErr, verdict.DrainError)
	assert.Contains(t, verdict.Err().Error(), "still in flight")
}

func TestVerdictJSON(t *testing.T) {
	i := nonFraudInteraction(t)
	verdict := Verify([]Interaction{i}, []InvocationRecord{
		{Request: Request{Method: "GET", Path: "/drunks"}},
	})

	data, err := json.Marshal(verdict)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"all_registered_interactions_matched": false,
		"unmatched_interactions": [{"description": "should mark client as not fraud", "method": "PUT", "path": "/fraudcheck"}],
		"unexpected_requests": [{"method": "GET", "path": "/drunks"}]
	}`, string(data))

	data, err = json.Marshal(Verify(nil, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"all_registered_interactions_matched": true, "unmatched_interactions": [], "unexpected_requests": []}`, string(data))
}

package pactmock

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/form3tech-oss/pact-mock/internal/app/httpresponse"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	defaultHost         = "127.0.0.1"
	defaultDrainTimeout = 5 * time.Second
	defaultDelay        = 500 * time.Millisecond
	defaultDuration     = 15 * time.Second
)

type Config struct {
	Host         string        `env:"PACT_MOCK_HOST,default=127.0.0.1"` // Interface the mock provider listens on
	DrainTimeout time.Duration `env:"DRAIN_TIMEOUT,default=5s"`         // Default bound for Stop to wait for in-flight requests
	WaitDelay    time.Duration `env:"WAIT_DELAY,default=500ms"`         // Delay between checks when waiting for interactions
	WaitDuration time.Duration `env:"WAIT_DURATION,default=15s"`        // Maximum time to wait for interactions
}

// State is the lifecycle state of a MockProvider.
type State int32

const (
	Stopped State = iota
	Starting
	Listening
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// MockProvider is an HTTP server replaying registered interactions. It is
// owned by a single test scenario: register interactions, Start, exercise the
// client under test, Stop, then Verify.
type MockProvider struct {
	id     string
	config Config

	mu          sync.Mutex
	state       State
	registered  []Interaction
	serving     []Interaction
	server      *http.Server
	servingDone chan struct{}
	port        int

	recordsMu  sync.Mutex
	records    []InvocationRecord
	generation uint64
	accepting  bool
	drainErr   error

	inFlight int64
	notify   *notify
	metrics  *metrics
}

func NewMockProvider(config Config) *MockProvider {
	if config.Host == "" {
		config.Host = defaultHost
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaultDrainTimeout
	}
	if config.WaitDelay <= 0 {
		config.WaitDelay = defaultDelay
	}
	if config.WaitDuration <= 0 {
		config.WaitDuration = defaultDuration
	}

	id := uuid.NewString()
	return &MockProvider{
		id:      id,
		config:  config,
		notify:  newNotify(),
		metrics: newMetrics(id),
	}
}

// RegisterInteraction adds an interaction to be served from the next Start.
// Descriptions must be unique.
func (p *MockProvider) RegisterInteraction(interaction Interaction) error {
	if err := interaction.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Stopped && p.state != Starting {
		return ErrRegistrationClosed
	}
	for _, existing := range p.registered {
		if existing.description == interaction.description {
			return &InvalidInteractionError{
				Description: interaction.description,
				Err:         errors.New("an interaction with this description is already registered"),
			}
		}
	}

	log.Infof("registering interaction '%s'", interaction.description)
	p.registered = append(p.registered, interaction)
	return nil
}

// Interactions returns the registered interactions in registration order.
func (p *MockProvider) Interactions() []Interaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Interaction(nil), p.registered...)
}

// Start binds the listener and starts serving. A port of 0 picks a free
// port. Calling Start while listening returns the existing port.
func (p *MockProvider) Start(port int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Listening:
		return p.port, nil
	case Stopping:
		return 0, errors.Errorf("mock provider is %s", p.state)
	}
	p.state = Starting

	address := net.JoinHostPort(p.config.Host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		p.state = Stopped
		return 0, &BindError{Address: address, Err: err}
	}

	p.serving = append([]Interaction(nil), p.registered...)
	p.port = listener.Addr().(*net.TCPAddr).Port
	generation := p.resetRecords()
	p.metrics.interactions.Set(float64(len(p.serving)))

	server := &http.Server{
		Handler:           p.newRouter(p.serving, generation),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error(err)
		}
	}()
	p.server = server
	p.servingDone = done
	p.state = Listening

	log.WithFields(log.Fields{
		"port":         p.port,
		"interactions": len(p.serving),
	}).Info("mock provider listening")
	return p.port, nil
}

// Stop stops accepting connections and waits up to drainTimeout for in-flight
// requests, after which remaining connections are closed and a
// *DrainTimeoutError is returned. A non-positive drainTimeout uses the
// configured default. Records are kept for Verify until the next Start.
func (p *MockProvider) Stop(drainTimeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Listening {
		return nil
	}
	p.state = Stopping
	if drainTimeout <= 0 {
		drainTimeout = p.config.DrainTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var stopErr error
	if err := p.server.Shutdown(ctx); err != nil {
		inFlight := atomic.LoadInt64(&p.inFlight)
		if closeErr := p.server.Close(); closeErr != nil {
			log.Error(closeErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			stopErr = &DrainTimeoutError{Timeout: drainTimeout, InFlight: inFlight}
			log.WithField("port", p.port).Warn(stopErr.Error())
		} else {
			stopErr = errors.Wrap(err, "unable to shut down mock provider")
			log.Error(stopErr)
		}
	}
	<-p.servingDone

	p.recordsMu.Lock()
	p.accepting = false
	var drainErr *DrainTimeoutError
	if errors.As(stopErr, &drainErr) {
		p.drainErr = drainErr
	}
	p.recordsMu.Unlock()

	p.server = nil
	p.state = Stopped
	p.notify.Notify()

	log.WithField("port", p.port).Info("mock provider stopped")
	return stopErr
}

// Reset forgets every registered interaction and record. The provider must
// be stopped.
func (p *MockProvider) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Stopped {
		return ErrRegistrationClosed
	}
	p.registered = nil
	p.serving = nil
	p.resetRecords()
	p.recordsMu.Lock()
	p.accepting = false
	p.recordsMu.Unlock()
	return nil
}

func (p *MockProvider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Port is the port bound by the last Start.
func (p *MockProvider) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// URL is the base URL clients under test should call.
func (p *MockProvider) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("http://%s", net.JoinHostPort(p.config.Host, strconv.Itoa(p.port)))
}

// InFlight is the number of requests currently being served.
func (p *MockProvider) InFlight() int64 {
	return atomic.LoadInt64(&p.inFlight)
}

// Gatherer exposes the provider's metrics.
func (p *MockProvider) Gatherer() prometheus.Gatherer {
	return p.metrics.registry
}

// Verify computes the verdict for the current or last serving window.
func (p *MockProvider) Verify() Verdict {
	p.mu.Lock()
	registered := p.serving
	if p.state == Stopped && p.serving == nil {
		registered = p.registered
	}
	registered = append([]Interaction(nil), registered...)
	p.mu.Unlock()

	verdict := Verify(registered, p.Records())

	p.recordsMu.Lock()
	if p.drainErr != nil {
		verdict.DrainError = p.drainErr
	}
	p.recordsMu.Unlock()
	return verdict
}

// WaitForInteraction blocks until the interaction has been matched at least
// count times, the configured wait duration elapses or ctx is done.
func (p *MockProvider) WaitForInteraction(ctx context.Context, description string, count int) error {
	if !p.hasInteraction(description) {
		return errors.Wrapf(ErrInteractionUnknown, "cannot wait for interaction '%s'", description)
	}

	log.WithField("wait_for", description).Infof("waiting")
	ok := retryFor(ctx, func(timeLeft time.Duration) bool {
		log.WithFields(log.Fields{
			"wait_for":       description,
			"count":          count,
			"time_remaining": timeLeft,
		}).Debug("retry")
		if p.requestCount(description) >= count {
			return true
		}
		if timeLeft > 0 {
			p.notify.Wait(timeLeft)
		}
		return false
	}, p.config.WaitDelay, p.config.WaitDuration)

	if !ok && p.requestCount(description) < count {
		return ErrWaitTimeout
	}
	return nil
}

// WaitForAll blocks until every serving interaction has been matched at
// least once.
func (p *MockProvider) WaitForAll(ctx context.Context) error {
	log.Info("waiting for all")
	allHaveRequests := func() bool {
		for _, i := range p.servingInteractions() {
			if p.requestCount(i.description) < 1 {
				return false
			}
		}
		return true
	}

	retryFor(ctx, func(timeLeft time.Duration) bool {
		if allHaveRequests() {
			return true
		}
		if timeLeft > 0 {
			p.notify.Wait(timeLeft)
		}
		return false
	}, p.config.WaitDelay, p.config.WaitDuration)

	if !allHaveRequests() {
		for _, i := range p.servingInteractions() {
			if p.requestCount(i.description) < 1 {
				log.Infof("'%s' has no requests", i.description)
			}
		}
		return ErrWaitTimeout
	}
	return nil
}

func (p *MockProvider) hasInteraction(description string) bool {
	for _, i := range p.servingInteractions() {
		if i.description == description {
			return true
		}
	}
	return false
}

func (p *MockProvider) servingInteractions() []Interaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.serving != nil {
		return p.serving
	}
	return p.registered
}

func (p *MockProvider) newRouter(interactions []Interaction, generation uint64) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(p.trackInFlight)
	e.Any("/*", func(c echo.Context) error {
		return p.serveInteraction(c, interactions, generation)
	})
	return e
}

func (p *MockProvider) trackInFlight(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		atomic.AddInt64(&p.inFlight, 1)
		p.metrics.inFlight.Inc()
		defer func() {
			atomic.AddInt64(&p.inFlight, -1)
			p.metrics.inFlight.Dec()
		}()
		return next(c)
	}
}

type unmatchedDetails struct {
	Request    Request             `json:"request"`
	Mismatches map[string][]string `json:"mismatches,omitempty"`
}

func (p *MockProvider) serveInteraction(c echo.Context, interactions []Interaction, generation uint64) error {
	req := c.Request()
	log.Infof("received %s %s", req.Method, req.URL.Path)

	candidate, err := ParseRequest(req)
	if err != nil {
		log.WithError(err).Warnf("dropping %s %s", req.Method, req.URL.Path)
		return c.JSON(http.StatusBadRequest, httpresponse.Errorf("unable to read request. %s", err.Error()))
	}

	interaction, ok := Match(candidate, interactions)
	if !ok {
		mismatches := make(map[string][]string)
		for _, i := range interactions {
			if i.request.Method == candidate.Method && i.request.Path == candidate.Path {
				mismatches[i.description] = Explain(candidate, i)
				log.Infof("request does not match '%s': %v", i.description, mismatches[i.description])
			}
		}

		p.record(generation, InvocationRecord{Request: candidate})
		p.metrics.requests.WithLabelValues(resultUnmatched).Inc()
		return c.JSON(
			http.StatusInternalServerError,
			httpresponse.Errorf("no interaction found for %s %s", candidate.Method, candidate.Path).
				WithDetails(unmatchedDetails{Request: candidate, Mismatches: mismatches}),
		)
	}

	p.record(generation, InvocationRecord{Interaction: interaction, Request: candidate, Matched: true})
	p.metrics.requests.WithLabelValues(resultMatched).Inc()
	log.Infof("matched interaction '%s'", interaction.description)

	return writeResponse(c, interaction.response)
}

func writeResponse(c echo.Context, response ResponseSpec) error {
	for name, value := range response.Headers {
		c.Response().Header().Set(name, value)
	}
	if response.Body == nil {
		return c.NoContent(response.Status)
	}

	body, contentType, err := encodeBody(response)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, httpresponse.Error(err.Error()))
	}
	return c.Blob(response.Status, contentType, body)
}

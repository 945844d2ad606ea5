package configuration

import (
	"sort"
	"sync"
	"time"

	"github.com/form3tech-oss/pact-mock/internal/app/contract"
	"github.com/form3tech-oss/pact-mock/internal/app/pactmock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	ErrProviderNotFound = errors.New("no mock provider is running on this port")
	ErrProviderExists   = errors.New("a mock provider is already running on this port")
)

// ProviderInfo describes a running mock provider.
type ProviderInfo struct {
	Port         int    `json:"port"`
	URL          string `json:"url"`
	Consumer     string `json:"consumer"`
	Provider     string `json:"provider"`
	State        string `json:"state"`
	Interactions int    `json:"interactions"`
}

type runningProvider struct {
	mock     *pactmock.MockProvider
	contract contract.Contract
}

// Providers keeps the mock providers started from contracts, keyed by port.
type Providers struct {
	config pactmock.Config

	mu      sync.Mutex
	running map[int]*runningProvider
}

func NewProviders(config pactmock.Config) *Providers {
	return &Providers{
		config:  config,
		running: make(map[int]*runningProvider),
	}
}

// Start replays c on port, or a free port when port is 0, and returns the
// port bound.
func (p *Providers) Start(c contract.Contract, port int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.running[port]; ok && port != 0 {
		return 0, ErrProviderExists
	}

	mock := pactmock.NewMockProvider(p.config)
	for _, i := range c.Interactions {
		if err := mock.RegisterInteraction(i); err != nil {
			return 0, err
		}
	}
	bound, err := mock.Start(port)
	if err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{
		"consumer": c.Consumer,
		"provider": c.Provider,
		"port":     bound,
	}).Info("started mock provider")
	p.running[bound] = &runningProvider{mock: mock, contract: c}
	return bound, nil
}

func (p *Providers) get(port int) (*runningProvider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.running[port]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return r, nil
}

// Mock returns the mock provider running on port.
func (p *Providers) Mock(port int) (*pactmock.MockProvider, error) {
	r, err := p.get(port)
	if err != nil {
		return nil, err
	}
	return r.mock, nil
}

// Contract returns the contract the provider on port was started with,
// carrying the interactions it serves.
func (p *Providers) Contract(port int) (contract.Contract, error) {
	r, err := p.get(port)
	if err != nil {
		return contract.Contract{}, err
	}
	return contract.FromProvider(r.contract.Consumer, r.contract.Provider, r.mock), nil
}

func (p *Providers) List() []ProviderInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]ProviderInfo, 0, len(p.running))
	for port, r := range p.running {
		infos = append(infos, ProviderInfo{
			Port:         port,
			URL:          r.mock.URL(),
			Consumer:     r.contract.Consumer,
			Provider:     r.contract.Provider,
			State:        r.mock.State().String(),
			Interactions: len(r.mock.Interactions()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Port < infos[j].Port })
	return infos
}

// Stop drains and removes the provider on port and returns its verdict. A
// drain timeout is reported in the verdict rather than as an error.
func (p *Providers) Stop(port int, drainTimeout time.Duration) (pactmock.Verdict, error) {
	p.mu.Lock()
	r, ok := p.running[port]
	delete(p.running, port)
	p.mu.Unlock()
	if !ok {
		return pactmock.Verdict{}, ErrProviderNotFound
	}

	if err := r.mock.Stop(drainTimeout); err != nil {
		var drainErr *pactmock.DrainTimeoutError
		if !errors.As(err, &drainErr) {
			return pactmock.Verdict{}, err
		}
	}
	return r.mock.Verify(), nil
}

// StopAll stops every provider, logging failures.
func (p *Providers) StopAll(drainTimeout time.Duration) {
	p.mu.Lock()
	ports := make([]int, 0, len(p.running))
	for port := range p.running {
		ports = append(ports, port)
	}
	p.mu.Unlock()

	for _, port := range ports {
		if _, err := p.Stop(port, drainTimeout); err != nil {
			log.WithField("port", port).Error(err)
		}
	}
}

// Gatherers collects the metrics of every running provider.
func (p *Providers) Gatherers() prometheus.Gatherers {
	p.mu.Lock()
	defer p.mu.Unlock()
	gatherers := make(prometheus.Gatherers, 0, len(p.running))
	for _, r := range p.running {
		gatherers = append(gatherers, r.mock.Gatherer())
	}
	return gatherers
}

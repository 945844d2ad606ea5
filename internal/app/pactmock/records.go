package pactmock

import (
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// InvocationRecord is one request received while serving. Unmatched records
// carry a zero Interaction.
type InvocationRecord struct {
	ID          string
	Interaction Interaction
	Request     Request
	Matched     bool
	Timestamp   time.Time
}

// record appends rec unless the serving window it belongs to has ended.
func (p *MockProvider) record(generation uint64, rec InvocationRecord) {
	rec.ID = uuid.NewString()
	rec.Timestamp = time.Now().UTC()

	p.recordsMu.Lock()
	if !p.accepting || p.generation != generation {
		p.recordsMu.Unlock()
		log.Warnf("discarding %s %s received after the mock provider stopped", rec.Request.Method, rec.Request.Path)
		return
	}
	p.records = append(p.records, rec)
	p.recordsMu.Unlock()

	p.notify.Notify()
}

// resetRecords opens a new serving window and returns its generation.
func (p *MockProvider) resetRecords() uint64 {
	p.recordsMu.Lock()
	defer p.recordsMu.Unlock()
	p.records = nil
	p.drainErr = nil
	p.generation++
	p.accepting = true
	return p.generation
}

// Records returns a copy of the records of the current or last serving window.
func (p *MockProvider) Records() []InvocationRecord {
	p.recordsMu.Lock()
	defer p.recordsMu.Unlock()
	return append([]InvocationRecord(nil), p.records...)
}

func (p *MockProvider) requestCount(description string) int {
	p.recordsMu.Lock()
	defer p.recordsMu.Unlock()
	count := 0
	for _, r := range p.records {
		if r.Matched && r.Interaction.description == description {
			count++
		}
	}
	return count
}

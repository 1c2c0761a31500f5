package call

import (
	"sync"

	"github.com/carewire/carewire/internal/protocol"
	"github.com/rs/zerolog/log"
)

// AvailabilityPublisher announces a responder's willingness to take calls
// and withdraws it again when the monitoring view goes away. Stop is
// idempotent so it can hang off both an explicit teardown and a deferred
// close.
type AvailabilityPublisher struct {
	sig Signaler

	mu      sync.Mutex
	started bool
}

func NewAvailabilityPublisher(sig Signaler) *AvailabilityPublisher {
	return &AvailabilityPublisher{sig: sig}
}

func (p *AvailabilityPublisher) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	return p.sig.Send(protocol.Envelope{
		Type:      protocol.TypeSetAvailability,
		Available: protocol.Bool(true),
	})
}

func (p *AvailabilityPublisher) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	err := p.sig.Send(protocol.Envelope{
		Type:      protocol.TypeSetAvailability,
		Available: protocol.Bool(false),
	})
	if err != nil {
		// the transport is likely gone, which unregisters us anyway
		log.Debug().Err(err).Msg("Availability withdrawal not delivered")
	}
}

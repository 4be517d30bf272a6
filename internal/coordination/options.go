package coordination

import (
	"time"

	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/logging"
)

// hubConfig collects optional overrides applied on top of the scheduler
// configuration.
type hubConfig struct {
	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
}

// Option customizes Hub construction.
type Option func(*hubConfig)

// WithBus supplies an external event bus. Callers sharing a bus can
// subscribe to scheduler events alongside their own. Defaults to a new
// bus owned by the Hub.
func WithBus(bus *event.Bus) Option {
	return func(hc *hubConfig) { hc.bus = bus }
}

// WithLogger supplies the logger all components derive from. Defaults to
// a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(hc *hubConfig) { hc.logger = l }
}

// WithClock supplies the time source used by every component. Defaults
// to time.Now. Tests use this to drive timeouts deterministically.
func WithClock(now func() time.Time) Option {
	return func(hc *hubConfig) { hc.now = now }
}

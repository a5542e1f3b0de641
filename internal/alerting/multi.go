package alerting

import (
	"context"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
)

// MultiAlerter fans alerts out to several channels concurrently.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{alerters: alerters, logger: logger}
}

func (m *MultiAlerter) Name() string { return "multi" }

// AddAlerter adds a channel.
func (m *MultiAlerter) AddAlerter(a Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, a)
}

// Len returns the number of channels.
func (m *MultiAlerter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerters)
}

// Alert sends to every channel. Failures are combined; one failing channel
// does not stop the others.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	alerters := make([]Alerter, len(m.alerters))
	copy(alerters, m.alerters)
	m.mu.RUnlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	for _, a := range alerters {
		wg.Add(1)
		go func(a Alerter) {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alerter failed",
					"alerter", a.Name(),
					"severity", severity.String(),
					"err", err,
				)
				errMu.Lock()
				errs = multierr.Append(errs, err)
				errMu.Unlock()
			}
		}(a)
	}
	wg.Wait()
	return errs
}

package alerting

import "context"

// FilteredAlerter drops alerts whose "event" field is not enabled. Alerts
// without an event field always pass.
type FilteredAlerter struct {
	next    Alerter
	enabled func(event string) bool
}

// NewFilteredAlerter wraps next with an event filter.
func NewFilteredAlerter(next Alerter, enabled func(event string) bool) *FilteredAlerter {
	return &FilteredAlerter{next: next, enabled: enabled}
}

func (f *FilteredAlerter) Name() string { return f.next.Name() }

// Alert forwards the alert when its event is enabled.
func (f *FilteredAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	if ev, ok := eventOf(fields); ok && f.enabled != nil && !f.enabled(ev) {
		return nil
	}
	return f.next.Alert(ctx, severity, message, fields...)
}

func eventOf(fields []any) (string, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok && k == "event" {
			ev, ok := fields[i+1].(string)
			return ev, ok
		}
	}
	return "", false
}

// Package alerting sends operator notifications about sell intents.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns a marker for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter sends alerts.
type Alerter interface {
	// Alert sends message with slog-style key/value fields.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	Name() string
}

// FormatFields renders key/value pairs one per line. Non-string keys and a
// trailing key without a value are skipped.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s: %v", key, fields[i+1])
	}
	return b.String()
}

// Event is a predefined alert type.
type Event string

const (
	EventIntentStarted   Event = "intent_started"
	EventIntentFilled    Event = "intent_filled"
	EventIntentCancelled Event = "intent_cancelled"
	EventIntentAborted   Event = "intent_aborted"
	EventPartialFill     Event = "partial_fill"
	EventSizeShrunk      Event = "size_shrunk"
	EventOrphanCancelled Event = "orphan_cancelled"
	EventReconcileFailed Event = "reconcile_failed"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event Event) Severity {
	switch event {
	case EventReconcileFailed:
		return SeverityCritical
	case EventIntentAborted, EventOrphanCancelled:
		return SeverityHigh
	case EventSizeShrunk, EventIntentCancelled:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Send alerts event on a at the event's default severity. A nil alerter is
// a no-op.
func Send(ctx context.Context, a Alerter, event Event, message string, fields ...any) error {
	if a == nil {
		return nil
	}
	return a.Alert(ctx, EventSeverity(event), message, append([]any{"event", string(event)}, fields...)...)
}

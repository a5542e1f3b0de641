package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to a slog logger.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger}
}

func (c *ConsoleAlerter) Name() string { return "console" }

// Alert logs the alert at a level matching its severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	attrs := append([]any{"severity", severity.String()}, fields...)

	level := slog.LevelInfo
	switch severity {
	case SeverityCritical:
		level = slog.LevelError
	case SeverityHigh, SeverityWarning:
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "[ALERT] "+message, attrs...)
	return nil
}

package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlerter records alerts for tests.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
	err    error
}

// MockAlert is a captured alert.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// Field returns the value of key in the alert's fields.
func (a MockAlert) Field(key string) (any, bool) {
	for i := 0; i+1 < len(a.Fields); i += 2 {
		if k, ok := a.Fields[i].(string); ok && k == key {
			return a.Fields[i+1], true
		}
	}
	return nil, false
}

// NewMockAlerter creates a mock alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Name() string { return "mock" }

// FailWith makes subsequent alerts return err after recording them.
func (m *MockAlerter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Alert records the alert.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, MockAlert{Severity: severity, Message: message, Fields: fields})
	return m.err
}

// Alerts returns a copy of the captured alerts.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Count returns the number of captured alerts.
func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// Find returns the first alert whose message contains substr.
func (m *MockAlerter) Find(substr string) (MockAlert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if strings.Contains(a.Message, substr) {
			return a, true
		}
	}
	return MockAlert{}, false
}

// HasAlertWithSeverity reports whether any alert had severity.
func (m *MockAlerter) HasAlertWithSeverity(severity Severity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.Severity == severity {
			return true
		}
	}
	return false
}

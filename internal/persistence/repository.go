// Package persistence provides the audit journal for sell intents.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/maker-exec/internal/types"
)

// StatusRunning marks an intent whose control loop has not finished.
const StatusRunning = "RUNNING"

// Repository defines the interface for the audit journal.
type Repository interface {
	// Intent operations
	SaveIntent(ctx context.Context, intent IntentRecord) error
	FinishIntent(ctx context.Context, id string, result IntentResult) error
	GetIntent(ctx context.Context, id string) (*IntentRecord, error)
	ListIntents(ctx context.Context, limit int) ([]IntentRecord, error)
	GetRunningIntents(ctx context.Context) ([]IntentRecord, error)

	// Order operations
	SaveOrder(ctx context.Context, order OrderRecord) error
	UpdateOrder(ctx context.Context, orderID string, state types.OrderState, filled decimal.Decimal) error
	GetOrders(ctx context.Context, intentID string) ([]OrderRecord, error)
	GetOpenOrders(ctx context.Context, intentID string) ([]OrderRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event EventRecord) error
	GetEvents(ctx context.Context, intentID string, limit int) ([]EventRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// IntentRecord is a persisted sell intent.
type IntentRecord struct {
	ID            string
	Instrument    string
	Side          types.Side
	RequestedSize decimal.Decimal
	Floor         decimal.Decimal
	Status        string // StatusRunning or the terminal outcome
	FilledTotal   decimal.Decimal
	Remaining     decimal.Decimal
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IntentResult is the terminal summary of an intent.
type IntentResult struct {
	Outcome     string
	FilledTotal decimal.Decimal
	Remaining   decimal.Decimal
	Error       string
}

// OrderRecord is a persisted exchange order.
type OrderRecord struct {
	OrderID       string
	IntentID      string
	ClientOrderID string
	Instrument    string
	Price         decimal.Decimal
	Size          decimal.Decimal
	Filled        decimal.Decimal
	State         types.OrderState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EventRecord is one status event of an intent.
type EventRecord struct {
	ID          int64
	IntentID    string
	Timestamp   time.Time
	State       string
	OrderID     string
	Price       decimal.Decimal
	FilledTotal decimal.Decimal
	Remaining   decimal.Decimal
	Message     string
}

package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/maker-exec/internal/metrics"
	"github.com/tathienbao/maker-exec/internal/persistence"
	"github.com/tathienbao/maker-exec/internal/types"
)

// Journal is the audit trail written by controllers and the manager.
type Journal interface {
	SaveIntent(ctx context.Context, intent persistence.IntentRecord) error
	FinishIntent(ctx context.Context, id string, result persistence.IntentResult) error
	GetRunningIntents(ctx context.Context) ([]persistence.IntentRecord, error)

	SaveOrder(ctx context.Context, order persistence.OrderRecord) error
	UpdateOrder(ctx context.Context, orderID string, state types.OrderState, filled decimal.Decimal) error
	GetOpenOrders(ctx context.Context, intentID string) ([]persistence.OrderRecord, error)

	AppendEvent(ctx context.Context, event persistence.EventRecord) error
}

var _ Journal = (*persistence.SQLiteRepository)(nil)

// Recorder receives execution metrics.
type Recorder interface {
	RecordOrder(instrument, action string)
	RecordReprice(instrument string)
	RecordFloorHold(instrument string)
	RecordShrink(instrument string)
	RecordRequery(resolved bool)
	RecordFill(instrument string, qty decimal.Decimal)
	RecordRestingPrice(instrument string, price decimal.Decimal)
	RecordIntentStarted()
	RecordIntentFinished(outcome string)
	RecordError(errorType string)
}

var _ Recorder = (*metrics.Recorder)(nil)

type nopRecorder struct{}

func (nopRecorder) RecordOrder(string, string) {}
func (nopRecorder) RecordReprice(string) {}
func (nopRecorder) RecordFloorHold(string) {}
func (nopRecorder) RecordShrink(string) {}
func (nopRecorder) RecordRequery(bool) {}
func (nopRecorder) RecordFill(string, decimal.Decimal) {}
func (nopRecorder) RecordRestingPrice(string, decimal.Decimal) {}
func (nopRecorder) RecordIntentStarted() {}
func (nopRecorder) RecordIntentFinished(string) {}
func (nopRecorder) RecordError(string) {}

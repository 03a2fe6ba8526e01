package outbox

import (
	"context"
	"database/sql"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/events"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/internal/nilcheck"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/log"
	"github.com/AltairBanking/lib-eventbox/v2/eventbox/uow"
)

// SaveInterceptor plugs the outbox writer into the unit-of-work save
// pipeline. Before commit it stages pending events as outbox rows in the
// active transaction; after the commit is confirmed it clears pending events
// from every tracked aggregate. It is the only component allowed to clear
// events.
type SaveInterceptor struct {
	writer *Writer
	logger log.Logger
}

var _ uow.Hook = (*SaveInterceptor)(nil)

// NewSaveInterceptor builds the interceptor around an outbox writer.
func NewSaveInterceptor(writer *Writer, logger log.Logger) (*SaveInterceptor, error) {
	if writer == nil {
		return nil, ErrWriterRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &SaveInterceptor{writer: writer, logger: logger}, nil
}

// BeforeCommit stages pending events inside the open transaction. An error
// aborts the save, rolling back business rows and outbox rows together.
func (interceptor *SaveInterceptor) BeforeCommit(ctx context.Context, tx *sql.Tx, tracked []any) error {
	_, err := interceptor.writer.StageAggregates(ctx, tx, tracked)

	return err
}

// AfterCommit clears pending events from every tracked carrier. It runs
// strictly after commit confirmation; the session swallows any error from
// this path, and clearing itself cannot fail, so a crash window here leaves
// at worst an already-staged event list to be re-staged by a later save in
// the same process.
func (interceptor *SaveInterceptor) AfterCommit(ctx context.Context, tracked []any) error {
	cleared := 0

	for _, entity := range tracked {
		carrier, ok := entity.(events.Carrier)
		if !ok {
			continue
		}

		if pending := len(carrier.PendingEvents()); pending > 0 {
			cleared += pending

			carrier.ClearEvents()
		}
	}

	if cleared > 0 {
		interceptor.logger.Log(ctx, log.LevelDebug, "cleared committed events",
			log.Int("count", cleared))
	}

	return nil
}

// AfterRollback leaves pending events attached so a caller retrying the
// whole operation reproduces them.
func (interceptor *SaveInterceptor) AfterRollback(ctx context.Context, tracked []any) {
	remaining := 0

	for _, entity := range tracked {
		if carrier, ok := entity.(events.Carrier); ok {
			remaining += len(carrier.PendingEvents())
		}
	}

	if remaining > 0 {
		interceptor.logger.Log(ctx, log.LevelDebug,
			"save rolled back; pending events remain attached for retry",
			log.Int("count", remaining))
	}
}

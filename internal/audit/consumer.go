package audit

import (
	"context"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"workpulse/internal/queue"
)

// Recorder persists flags.
type Recorder interface {
	Insert(ctx context.Context, f Flag) (uuid.UUID, error)
}

// Consume reads flags from q until ctx is done or the queue closes. Every
// flag is logged; with a recorder it is also persisted. Messages of other
// types are skipped.
func Consume(ctx context.Context, q queue.Queue, rec Recorder, logger slog.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return xerrors.Errorf("consume audit queue: %w", err)
	}
	for msg := range messages {
		if msg.Type != MessageType {
			logger.Debug(ctx, "skipping queue message", slog.F("type", msg.Type))
			continue
		}
		f, err := Decode(msg)
		if err != nil {
			logger.Warn(ctx, "undecodable audit flag", slog.Error(err))
			continue
		}
		fields := []slog.Field{
			slog.F("kind", f.Kind),
			slog.F("op", f.Op),
			slog.F("company", f.CompanyName),
			slog.F("subject", f.Subject),
			slog.F("record_id", f.RecordID),
			slog.F("detail", f.Detail),
		}
		if rec == nil {
			logger.Warn(ctx, "audit flag", fields...)
			continue
		}
		id, err := rec.Insert(ctx, f)
		if err != nil {
			logger.Error(ctx, "persist audit flag", append(fields, slog.Error(err))...)
			continue
		}
		logger.Warn(ctx, "audit flag", append(fields, slog.F("id", id))...)
	}
	if err := ctx.Err(); err != nil && !xerrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

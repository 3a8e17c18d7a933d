package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/openpad/pad-collab-service/internal/domain/model"
)

// Breaker wraps a PadStore with a circuit breaker so a dead database fails
// fast instead of stacking up slow saves in the worker. While the breaker is
// open, operations return ErrUnavailable; scene state stays in the cache and
// the next save cycle retries.
type Breaker struct {
	next PadStore
	cb   *gobreaker.CircuitBreaker
}

var _ PadStore = (*Breaker)(nil)

func WithBreaker(next PadStore, log *slog.Logger) *Breaker {
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "pad-store",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A missing pad is an answer, not an outage.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("pad store breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (b *Breaker) Load(ctx context.Context, padID uuid.UUID) (*model.Pad, error) {
	res, err := b.cb.Execute(func() (any, error) {
		pad, err := b.next.Load(ctx, padID)
		if err != nil {
			return nil, err
		}
		return pad, nil
	})
	if err != nil {
		return nil, b.mapErr(err)
	}
	return res.(*model.Pad), nil
}

func (b *Breaker) Save(ctx context.Context, pad *model.Pad) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Save(ctx, pad)
	})
	return b.mapErr(err)
}

func (b *Breaker) Delete(ctx context.Context, padID uuid.UUID) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Delete(ctx, padID)
	})
	return b.mapErr(err)
}

func (b *Breaker) mapErr(err error) error {
	switch err {
	case nil:
		return nil
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

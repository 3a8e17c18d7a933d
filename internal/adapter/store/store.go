// Package store is the durable side of a pad: authoritative across process
// restarts, written by the canvas worker's periodic flush.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/openpad/pad-collab-service/internal/domain/model"
)

var (
	// ErrNotFound means no durable record exists for the pad.
	ErrNotFound = errors.New("pad not found")
	// ErrUnavailable wraps transport failures; callers retry next cycle.
	ErrUnavailable = errors.New("pad store unavailable")
)

// PadStore is the contract the collaboration core consumes. Save must be
// durable on return; it may be slow.
type PadStore interface {
	Load(ctx context.Context, padID uuid.UUID) (*model.Pad, error)
	Save(ctx context.Context, pad *model.Pad) error
	Delete(ctx context.Context, padID uuid.UUID) error
}

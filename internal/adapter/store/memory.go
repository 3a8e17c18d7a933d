package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/openpad/pad-collab-service/internal/domain/model"
)

// Memory is an in-process PadStore used by tests and local runs without a
// database. Pads are deep-copied on both paths so callers cannot alias the
// stored scene.
type Memory struct {
	mu   sync.RWMutex
	pads map[uuid.UUID]*model.Pad
}

var _ PadStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{pads: map[uuid.UUID]*model.Pad{}}
}

func (s *Memory) Load(_ context.Context, padID uuid.UUID) (*model.Pad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pad, ok := s.pads[padID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePad(pad)
}

func (s *Memory) Save(_ context.Context, pad *model.Pad) error {
	copied, err := clonePad(pad)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pads[pad.ID] = copied
	s.mu.Unlock()
	return nil
}

func (s *Memory) Delete(_ context.Context, padID uuid.UUID) error {
	s.mu.Lock()
	delete(s.pads, padID)
	s.mu.Unlock()
	return nil
}

func clonePad(pad *model.Pad) (*model.Pad, error) {
	copied := *pad
	// WorkerID is cache-only state; a durable copy would resurface a
	// stale claim on the next load.
	copied.WorkerID = ""
	copied.Whitelist = append([]uuid.UUID(nil), pad.Whitelist...)

	data, err := json.Marshal(pad.Scene)
	if err != nil {
		return nil, err
	}
	copied.Scene = model.NewScene()
	if err := json.Unmarshal(data, &copied.Scene); err != nil {
		return nil, err
	}
	copied.Scene.Normalize()
	return &copied, nil
}

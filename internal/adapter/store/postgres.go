package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openpad/pad-collab-service/internal/domain/model"
)

// Postgres persists pads in a single jsonb-backed table. Scene data is
// stored verbatim; schema management is out of scope here.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ PadStore = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const loadQuery = `
SELECT id, owner_id, display_name, sharing, whitelist, data, created_at, updated_at
FROM pads
WHERE id = $1`

func (s *Postgres) Load(ctx context.Context, padID uuid.UUID) (*model.Pad, error) {
	var (
		pad       model.Pad
		sharing   string
		whitelist []byte
		data      []byte
	)
	row := s.pool.QueryRow(ctx, loadQuery, padID)
	err := row.Scan(&pad.ID, &pad.OwnerID, &pad.DisplayName, &sharing, &whitelist, &data, &pad.CreatedAt, &pad.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: load %s: %v", ErrUnavailable, padID, err)
	}

	pad.Sharing = model.SharingPolicy(sharing)
	if pad.Sharing == "" {
		pad.Sharing = model.SharingPrivate
	}
	if len(whitelist) > 0 {
		if err := json.Unmarshal(whitelist, &pad.Whitelist); err != nil {
			return nil, fmt.Errorf("pad store: corrupt whitelist for %s: %w", padID, err)
		}
	}
	pad.Scene = model.NewScene()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &pad.Scene); err != nil {
			return nil, fmt.Errorf("pad store: corrupt scene for %s: %w", padID, err)
		}
		pad.Scene.Normalize()
	}
	return &pad, nil
}

const saveQuery = `
INSERT INTO pads (id, owner_id, display_name, sharing, whitelist, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	sharing      = EXCLUDED.sharing,
	whitelist    = EXCLUDED.whitelist,
	data         = EXCLUDED.data,
	updated_at   = EXCLUDED.updated_at`

func (s *Postgres) Save(ctx context.Context, pad *model.Pad) error {
	whitelist, err := json.Marshal(pad.Whitelist)
	if err != nil {
		return fmt.Errorf("pad store: marshal whitelist for %s: %w", pad.ID, err)
	}
	data, err := json.Marshal(pad.Scene)
	if err != nil {
		return fmt.Errorf("pad store: marshal scene for %s: %w", pad.ID, err)
	}

	createdAt := pad.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, saveQuery,
		pad.ID, pad.OwnerID, pad.DisplayName, string(pad.Sharing),
		whitelist, data, createdAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrUnavailable, pad.ID, err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, padID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pads WHERE id = $1`, padID)
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, padID, err)
	}
	return nil
}

// Package bus implements the per-pad event bus on Redis: a capped durable
// stream for scene events, a fire-and-forget pub/sub channel for pointer
// updates and a presence hash.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openpad/pad-collab-service/config"
	"github.com/openpad/pad-collab-service/internal/domain/model"
)

// ErrUnavailable wraps transport failures talking to Redis.
var ErrUnavailable = errors.New("event bus unavailable")

// Latest is the stream cursor sentinel: only events appended after the read
// call are delivered.
const Latest = "$"

// StreamEvent is one durable stream entry with its monotonic id.
type StreamEvent struct {
	ID    string
	Event *model.Event
}

type Bus struct {
	rdb            *redis.Client
	log            *slog.Logger
	relay          *pointerRelay
	streamExpiry   time.Duration
	streamMaxLen   int64
	presenceExpiry time.Duration
}

func New(rdb *redis.Client, cfg *config.Config, log *slog.Logger, wmLog watermill.LoggerAdapter) *Bus {
	return &Bus{
		rdb:            rdb,
		log:            log,
		relay:          newPointerRelay(rdb, wmLog, log),
		streamExpiry:   cfg.Stream.Expiry,
		streamMaxLen:   cfg.Stream.MaxLen,
		presenceExpiry: cfg.Presence.Expiry,
	}
}

func streamKey(padID string) string   { return "pad:stream:" + padID }
func pointerKey(padID string) string  { return "pad:pointers:" + padID }
func presenceKey(padID string) string { return "pad:presence:" + padID }

// Append adds a durable event to the pad stream, trims it approximately to
// the configured cap and renews the stream TTL.
func (b *Bus) Append(ctx context.Context, ev *model.Event) error {
	key := streamKey(ev.PadID)

	pipe := b.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.streamMaxLen,
		Approx: true,
		Values: ev.StreamFields(),
	})
	pipe.Expire(ctx, key, b.streamExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: append %s: %v", ErrUnavailable, ev.Type, err)
	}
	return nil
}

// Read returns stream entries after fromID, blocking up to block when the
// stream is empty. A zero or negative block means a non-blocking read. The
// returned cursor is the id of the last entry seen, or fromID when nothing
// arrived; callers feed it back in to resume.
func (b *Bus) Read(ctx context.Context, padID uuid.UUID, fromID string, count int64, block time.Duration) ([]StreamEvent, string, error) {
	if block <= 0 {
		// go-redis omits BLOCK for negative values.
		block = -1
	}
	streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(padID.String()), fromID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Block timeout, nothing new.
			return nil, fromID, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fromID, err
		}
		return nil, fromID, fmt.Errorf("%w: read pad %s: %v", ErrUnavailable, padID, err)
	}

	next := fromID
	var out []StreamEvent
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			next = msg.ID
			ev, err := model.EventFromStream(msg.Values)
			if err != nil {
				b.log.Warn("skipping malformed stream entry", "pad_id", padID, "entry_id", msg.ID, "error", err)
				continue
			}
			out = append(out, StreamEvent{ID: msg.ID, Event: ev})
		}
	}
	return out, next, nil
}

// Cursor resolves the "latest" sentinel to a concrete stream position: the
// id of the newest entry, or the stream origin when the stream is empty.
// Tailing loops resolve their cursor once at start so a read that returns
// early cannot skip entries appended between polls.
func (b *Bus) Cursor(ctx context.Context, padID uuid.UUID) (string, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, streamKey(padID.String()), "+", "-", 1).Result()
	if err != nil {
		return Latest, fmt.Errorf("%w: cursor pad %s: %v", ErrUnavailable, padID, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// Trim caps the pad stream. Called when a forwarder attaches so abandoned
// pads do not carry stale history beyond the cap.
func (b *Bus) Trim(ctx context.Context, padID uuid.UUID) error {
	if err := b.rdb.XTrimMaxLenApprox(ctx, streamKey(padID.String()), b.streamMaxLen, 0).Err(); err != nil {
		return fmt.Errorf("%w: trim pad %s: %v", ErrUnavailable, padID, err)
	}
	return nil
}

// AddPresence records one live connection for a user. Each connection is its
// own hash field, so concurrent hubs never clobber each other's entries.
func (b *Bus) AddPresence(ctx context.Context, padID uuid.UUID, user model.User, connID string) error {
	key := presenceKey(padID.String())
	field := user.ID.String() + "/" + connID

	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, key, field, user.DisplayName)
	pipe.Expire(ctx, key, b.presenceExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: presence add: %v", ErrUnavailable, err)
	}
	return nil
}

// RemovePresence drops one connection. Removing the user's last connection
// removes the user from the presence map implicitly.
func (b *Bus) RemovePresence(ctx context.Context, padID, userID uuid.UUID, connID string) error {
	key := presenceKey(padID.String())
	field := userID.String() + "/" + connID
	if err := b.rdb.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("%w: presence remove: %v", ErrUnavailable, err)
	}
	return nil
}

// Presence returns the live user set with their connection id lists, sorted
// by user id for stable output.
func (b *Bus) Presence(ctx context.Context, padID uuid.UUID) ([]model.PresenceEntry, error) {
	values, err := b.rdb.HGetAll(ctx, presenceKey(padID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: presence read: %v", ErrUnavailable, err)
	}

	byUser := map[string]*model.PresenceEntry{}
	for field, displayName := range values {
		userID, connID, ok := strings.Cut(field, "/")
		if !ok {
			continue
		}
		entry, exists := byUser[userID]
		if !exists {
			entry = &model.PresenceEntry{UserID: userID, DisplayName: displayName}
			byUser[userID] = entry
		}
		entry.Connections = append(entry.Connections, connID)
	}

	out := make([]model.PresenceEntry, 0, len(byUser))
	for _, entry := range byUser {
		sort.Strings(entry.Connections)
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Close shuts down the pointer relay.
func (b *Bus) Close() error {
	return b.relay.close()
}

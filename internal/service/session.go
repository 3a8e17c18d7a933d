package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openpad/pad-collab-service/config"
	"github.com/openpad/pad-collab-service/internal/domain/model"
)

// ErrUnauthenticated is terminal for the offending connection; the hub maps
// it to close code 4001.
var ErrUnauthenticated = errors.New("authentication required")

// Session is the blob the login flow leaves in Redis under session:{id}.
// The collaboration core only reads it; writing belongs to the auth surface.
type Session struct {
	UserID       uuid.UUID `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	Roles        []string  `json:"roles,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    int64     `json:"expires_at"`
}

func (s *Session) expired(now time.Time) bool {
	return s.ExpiresAt > 0 && now.Unix() >= s.ExpiresAt
}

// TokenRefresher is the external OIDC collaborator. The default wiring
// refuses to refresh; deployments decorate this with a real client.
type TokenRefresher interface {
	Refresh(ctx context.Context, sessionID string, s *Session) (*Session, error)
}

type RefresherFunc func(ctx context.Context, sessionID string, s *Session) (*Session, error)

func (f RefresherFunc) Refresh(ctx context.Context, sessionID string, s *Session) (*Session, error) {
	return f(ctx, sessionID, s)
}

// NoRefresh treats every expired token as terminal.
func NoRefresh() TokenRefresher {
	return RefresherFunc(func(context.Context, string, *Session) (*Session, error) {
		return nil, errors.New("token refresh not configured")
	})
}

// Sessions resolves a session cookie to a user, attempting one token
// refresh when the access token has expired.
type Sessions struct {
	rdb       *redis.Client
	refresher TokenRefresher
	expiry    time.Duration
	log       *slog.Logger
}

func NewSessions(rdb *redis.Client, refresher TokenRefresher, cfg *config.Config, log *slog.Logger) *Sessions {
	return &Sessions{rdb: rdb, refresher: refresher, expiry: cfg.Session.Expiry, log: log}
}

func sessionKey(id string) string { return "session:" + id }

// Resolve maps a session id to the authenticated user. Any failure along
// the way collapses to ErrUnauthenticated; the cause is logged, not leaked.
func (s *Sessions) Resolve(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, ErrUnauthenticated
	}

	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("session lookup failed", "error", err)
		}
		return nil, ErrUnauthenticated
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		s.log.Warn("corrupt session blob", "error", err)
		return nil, ErrUnauthenticated
	}

	if sess.expired(time.Now()) {
		refreshed, err := s.refresher.Refresh(ctx, sessionID, &sess)
		if err != nil {
			s.log.Info("token refresh failed", "error", err)
			return nil, ErrUnauthenticated
		}
		if err := s.persist(ctx, sessionID, refreshed); err != nil {
			s.log.Warn("persisting refreshed session failed", "error", err)
		}
		sess = *refreshed
	}

	return &model.User{
		ID:          sess.UserID,
		DisplayName: sess.DisplayName,
		Email:       sess.Email,
		Roles:       sess.Roles,
	}, nil
}

func (s *Sessions) persist(ctx context.Context, sessionID string, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.rdb.Set(ctx, sessionKey(sessionID), raw, s.expiry).Err()
}

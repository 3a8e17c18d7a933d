package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/openpad/pad-collab-service/internal/adapter/bus"
	"github.com/openpad/pad-collab-service/internal/domain/model"
)

var errAccessRevoked = errors.New("access revoked")

const (
	forwardReadCount = 100
	forwardBlock     = 1 * time.Second
	// forwardIdle paces the loop when the server answers an empty read
	// without honoring the block.
	forwardIdle  = 25 * time.Millisecond
	writeTimeout = 10 * time.Second
)

// connection is one accepted WebSocket. It owns the socket exclusively;
// writes from the forwarders and the inbound error path are serialized
// through a mutex.
type connection struct {
	h    *Handler
	log  *slog.Logger
	sock *websocket.Conn

	id     string
	padID  uuid.UUID
	user   *model.User
	userID string

	writeMu sync.Mutex
}

func newConnection(h *Handler, sock *websocket.Conn, padID uuid.UUID, user *model.User) *connection {
	id := uuid.NewString()
	return &connection{
		h:      h,
		log:    h.log.With("pad_id", padID, "user_id", user.ID, "conn_id", id[:8]),
		sock:   sock,
		id:     id,
		padID:  padID,
		user:   user,
		userID: user.ID.String(),
	}
}

// run registers the connection, ensures a reconciler is consuming the pad
// and drives the four cooperative tasks until the first one finishes.
// Teardown always runs regardless of which task wins.
func (c *connection) run(ctx context.Context) {
	c.h.metrics.ActiveConnections.Inc()
	c.log.Info("ws opened")

	if err := c.h.bus.AddPresence(ctx, c.padID, *c.user, c.id); err != nil {
		c.log.Warn("presence add failed", "error", err)
	}
	if err := c.publishDurable(ctx, model.EventUserJoined, nil); err != nil {
		c.log.Warn("user_joined publish failed", "error", err)
	}
	defer c.teardown()

	if err := c.sendConnected(ctx); err != nil {
		c.log.Warn("connected frame failed", "error", err)
		return
	}

	if err := c.h.worker.EnsureWorker(ctx, c.padID); err != nil {
		c.log.Error("ensure worker failed", "error", err)
		// Fan-out still works without a local reconciler; keep serving.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.inbound(gctx) })
	g.Go(func() error { return c.forwardStream(gctx) })
	g.Go(func() error { return c.forwardPointers(gctx) })
	g.Go(func() error { return c.recheckAccess(gctx) })
	g.Go(func() error {
		// Unblock the socket reader once any sibling finishes.
		<-gctx.Done()
		_ = c.sock.SetReadDeadline(time.Now())
		return nil
	})

	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, errAccessRevoked):
		c.log.Info("ws closed, access revoked")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Info("ws closed by client")
	default:
		c.log.Info("ws closed", "error", err)
	}
}

// teardown deregisters presence, announces the departure and closes the
// socket. It uses a fresh context: the request context is usually already
// cancelled by the time we get here.
func (c *connection) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.h.bus.RemovePresence(ctx, c.padID, c.user.ID, c.id); err != nil {
		c.log.Warn("presence remove failed", "error", err)
	}
	if err := c.publishDurable(ctx, model.EventUserLeft, nil); err != nil {
		c.log.Warn("user_left publish failed", "error", err)
	}
	c.sock.Close()
	c.h.metrics.ActiveConnections.Dec()
	c.log.Info("ws teardown complete")
}

func (c *connection) sendConnected(ctx context.Context) error {
	users, err := c.h.bus.Presence(ctx, c.padID)
	if err != nil {
		c.log.Warn("presence read failed", "error", err)
		users = nil
	}
	data, err := json.Marshal(model.ConnectedData{Users: users})
	if err != nil {
		return err
	}
	return c.writeJSON(&model.Event{
		Type:      model.EventConnected,
		PadID:     c.padID.String(),
		UserID:    c.userID,
		Timestamp: model.Timestamp(time.Now()),
		Data:      data,
	})
}

// inbound receives client frames, stamps the server-authoritative envelope
// fields and routes them: pointer updates to the ephemeral channel,
// everything else onto the durable stream.
func (c *connection) inbound(ctx context.Context) error {
	for {
		_, payload, err := c.sock.ReadMessage()
		if err != nil {
			return fmt.Errorf("socket read: %w", err)
		}

		var ev model.Event
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Type == "" {
			c.sendError("Invalid message format")
			continue
		}

		// Sender-supplied identity fields are overwritten, always.
		ev.PadID = c.padID.String()
		ev.UserID = c.userID
		ev.ConnectionID = c.id
		ev.Timestamp = model.Timestamp(time.Now())

		switch ev.Type {
		case model.EventPointerUpdate:
			if err := c.h.bus.PublishPointer(ctx, &ev); err != nil {
				c.log.Warn("pointer publish failed", "error", err)
			}
		case model.EventConnected, model.EventError:
			// Server-to-client frames; a client echoing them is noise.
		default:
			if err := c.h.bus.Append(ctx, &ev); err != nil {
				c.log.Warn("event append failed", "type", ev.Type, "error", err)
				continue
			}
			c.h.metrics.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
		}
	}
}

// forwardStream tails the durable stream from "latest" and pushes every
// event from other connections to the client. Own events are suppressed.
func (c *connection) forwardStream(ctx context.Context) error {
	if err := c.h.bus.Trim(ctx, c.padID); err != nil {
		c.log.Warn("stream trim failed", "error", err)
	}

	lastID, err := c.h.bus.Cursor(ctx, c.padID)
	if err != nil {
		c.log.Warn("cursor resolve failed, using latest sentinel", "error", err)
		lastID = bus.Latest
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		events, next, err := c.h.bus.Read(ctx, c.padID, lastID, forwardReadCount, forwardBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("stream read failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		lastID = next

		if len(events) == 0 {
			if !sleepCtx(ctx, forwardIdle) {
				return ctx.Err()
			}
			continue
		}
		for _, se := range events {
			if se.Event.ConnectionID == c.id {
				continue
			}
			if err := c.writeJSON(se.Event); err != nil {
				return fmt.Errorf("socket write: %w", err)
			}
			c.h.metrics.EventsForwarded.Inc()
		}
	}
}

// forwardPointers relays the ephemeral channel, with the same echo
// suppression. There is no buffering obligation; lost pointers are fine.
func (c *connection) forwardPointers(ctx context.Context) error {
	sub, err := c.h.bus.SubscribePointers(ctx, c.padID)
	if err != nil {
		return fmt.Errorf("pointer subscribe: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return errors.New("pointer feed closed")
			}
			if ev.ConnectionID == c.id {
				continue
			}
			if err := c.writeJSON(ev); err != nil {
				return fmt.Errorf("socket write: %w", err)
			}
			c.h.metrics.PointersForwarded.Inc()
		}
	}
}

// recheckAccess re-evaluates the sharing policy every interval. Revocation
// is announced to peers via force_disconnect, then the socket closes with
// 4003.
func (c *connection) recheckAccess(ctx context.Context) error {
	ticker := time.NewTicker(c.h.recheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			allowed, err := c.h.guard.CanAccess(ctx, c.padID, c.user.ID)
			if err != nil {
				// Transport trouble is not a denial.
				c.log.Warn("access recheck failed", "error", err)
				continue
			}
			if allowed {
				continue
			}
			if err := c.publishDurable(ctx, model.EventForceDisconnect, nil); err != nil {
				c.log.Warn("force_disconnect publish failed", "error", err)
			}
			closeWith(c.sock, CloseAccessDenied, "Access denied")
			return errAccessRevoked
		}
	}
}

func (c *connection) publishDurable(ctx context.Context, typ model.EventType, data json.RawMessage) error {
	ev := &model.Event{
		Type:         typ,
		PadID:        c.padID.String(),
		UserID:       c.userID,
		ConnectionID: c.id,
		Timestamp:    model.Timestamp(time.Now()),
		Data:         data,
	}
	if err := c.h.bus.Append(ctx, ev); err != nil {
		return err
	}
	c.h.metrics.EventsAppended.WithLabelValues(string(typ)).Inc()
	return nil
}

func (c *connection) sendError(msg string) {
	data, _ := json.Marshal(model.ErrorData{Message: msg})
	if err := c.writeJSON(&model.Event{
		Type:      model.EventError,
		Timestamp: model.Timestamp(time.Now()),
		Data:      data,
	}); err != nil {
		c.log.Warn("error frame write failed", "error", err)
	}
}

func (c *connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.sock.WriteJSON(v)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Package ws implements the WebSocket side of the collaboration core: one
// connection hub per accepted socket, bridging the client to the pad's
// event bus.
package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openpad/pad-collab-service/config"
	"github.com/openpad/pad-collab-service/internal/adapter/bus"
	"github.com/openpad/pad-collab-service/internal/adapter/store"
	"github.com/openpad/pad-collab-service/internal/metrics"
	"github.com/openpad/pad-collab-service/internal/service"
	"github.com/openpad/pad-collab-service/internal/worker"
)

// Close codes on the pad endpoint.
const (
	CloseInternalError = 4000
	CloseNotAuthed     = 4001
	CloseAccessDenied  = 4003
	ClosePadNotFound   = 4004
)

const (
	closeWriteDeadline = 5 * time.Second
	sessionCookieName  = "session_id"
)

type Handler struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	sessions *service.Sessions
	guard    service.Guarder
	resolver *service.PadResolver
	bus      *bus.Bus
	worker   *worker.CanvasWorker
	metrics  *metrics.Metrics
	recheck  time.Duration
}

func NewHandler(
	log *slog.Logger,
	sessions *service.Sessions,
	guard service.Guarder,
	resolver *service.PadResolver,
	b *bus.Bus,
	w *worker.CanvasWorker,
	m *metrics.Metrics,
	cfg *config.Config,
) *Handler {
	return &Handler{
		log:      log,
		sessions: sessions,
		guard:    guard,
		resolver: resolver,
		bus:      b,
		worker:   w,
		metrics:  m,
		recheck:  cfg.Access.RecheckInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

// ServeHTTP upgrades GET /ws/pad/{pad_id}. Authentication and authorization
// failures close the socket with the documented codes after the upgrade, so
// the client always sees a close frame rather than a bare HTTP error.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "error", err)
		return
	}
	defer sock.Close()

	padID, err := uuid.Parse(chi.URLParam(r, "pad_id"))
	if err != nil {
		closeWith(sock, ClosePadNotFound, "Pad not found")
		return
	}

	user, err := h.sessions.Resolve(r.Context(), sessionCookie(r))
	if err != nil {
		closeWith(sock, CloseNotAuthed, "Authentication required")
		return
	}

	pad, err := h.resolver.Resolve(r.Context(), padID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			closeWith(sock, ClosePadNotFound, "Pad not found")
		} else {
			h.log.Error("pad resolve failed", "pad_id", padID, "error", err)
			closeWith(sock, CloseInternalError, "Internal error")
		}
		return
	}

	if !service.Allowed(pad, user.ID) {
		closeWith(sock, CloseAccessDenied, "Access denied")
		return
	}

	conn := newConnection(h, sock, padID, user)
	conn.run(r.Context())
}

func sessionCookie(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func closeWith(sock *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeWriteDeadline)
	_ = sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

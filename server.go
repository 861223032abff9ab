package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"transitbd/tracker/internal/auth"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/session"
)

const (
	websocketKind      = "websocket"
	closeWriteDeadline = time.Second
)

// connectionOpener is the part of the session manager the websocket endpoint needs.
type connectionOpener interface {
	Open(transport session.Transport, kind string) (*session.Conn, error)
}

type websocketOptions struct {
	AllowedOrigins  []string
	MaxPayloadBytes int64
	Logger          *logging.Logger
}

// websocketHandler upgrades requests and pumps inbound frames into a session connection.
type websocketHandler struct {
	sessions   connectionOpener
	publisher  auth.Publisher
	upgrader   websocket.Upgrader
	maxPayload int64
	log        *logging.Logger
}

func newWebsocketHandler(sessions connectionOpener, publisher auth.Publisher, opts websocketOptions) *websocketHandler {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if publisher == nil {
		publisher, _ = auth.NewPublisher("")
	}
	return &websocketHandler{
		sessions:   sessions,
		publisher:  publisher,
		upgrader:   websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)},
		maxPayload: opts.MaxPayloadBytes,
		log:        opts.Logger.With(logging.String("component", "websocket")),
	}
}

// originChecker accepts every origin when none are configured or "*" is listed.
// Requests without an Origin header come from non-browser clients and are accepted.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.ToLower(strings.TrimSpace(origin))
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(strings.TrimSpace(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *websocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	//1.- A presented token must be valid; subscribers may connect without one.
	publisherID, authorised := "", false
	if token := auth.TokenFromRequest(r); token != "" && h.publisher.Required() {
		id, err := h.publisher.Authorize(token)
		if err != nil {
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
		publisherID, authorised = id, true
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logging.Error(err))
		return
	}
	if h.maxPayload > 0 {
		ws.SetReadLimit(h.maxPayload)
	}

	//2.- Register the connection; over the limit the client is told to retry later.
	transport := &websocketTransport{conn: ws}
	conn, err := h.sessions.Open(transport, websocketKind)
	if err != nil {
		reason := websocket.CloseInternalServerErr
		if errors.Is(err, session.ErrTooManyConnections) {
			reason = websocket.CloseTryAgainLater
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(reason, err.Error()), time.Now().Add(closeWriteDeadline))
		_ = ws.Close()
		return
	}
	if authorised {
		conn.AuthorizePublisher(publisherID)
	}
	ws.SetPongHandler(func(string) error {
		conn.MarkAlive()
		return nil
	})

	//3.- Read until the peer leaves; protocol errors are answered on the connection itself.
	ctx := context.WithoutCancel(r.Context())
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			reason := session.ReasonReadError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = session.ReasonClientClosed
			}
			conn.Close(reason)
			return
		}
		if err := conn.HandleMessage(ctx, msg); err != nil {
			conn.Close(session.ReasonWriteError)
			return
		}
	}
}

// websocketTransport serialises writes onto one gorilla connection.
type websocketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *websocketTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *websocketTransport) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(closeWriteDeadline)
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *websocketTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWriteDeadline))
	return t.conn.Close()
}

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

var ErrSubscriberBackedUp = errors.New("notification subscriber is not reading")

type subscriber struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// WebSocketSink pushes notifications to every open connection of a user.
// Users without a connection miss the notification.
type WebSocketSink struct {
	*transport.BaseHandler
	verifier *TokenVerifier
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
}

// NewWebSocketSink accepts connections from allowedOrigins, or from any
// origin when the list is empty or contains "*".
func NewWebSocketSink(verifier *TokenVerifier, allowedOrigins []string, logger *slog.Logger) *WebSocketSink {
	s := &WebSocketSink{
		BaseHandler: transport.NewBaseHandler(logger),
		verifier:    verifier,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

func (s *WebSocketSink) Send(_ context.Context, userID, eventType string, data map[string]any) error {
	payload, err := json.Marshal(Message{Type: eventType, Data: data, Timestamp: s.now()})
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var dropped int
	for sub := range s.subscribers[userID] {
		select {
		case sub.send <- payload:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return ErrSubscriberBackedUp
	}
	return nil
}

// Subscribers reports how many connections userID has open.
func (s *WebSocketSink) Subscribers(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[userID])
}

// ServeHTTP handles GET /api/v1/notifications/ws?token=...
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = s.ExtractTokenFromHeader(r)
	}
	userID, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Warn("rejected notification subscriber", "error", err, "remote_addr", r.RemoteAddr)
		if appErr, ok := internal.IsAppError(err); ok {
			s.HandleError(w, appErr)
			return
		}
		s.HandleError(w, internal.ErrInvalidToken)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Error("websocket upgrade failed", "error", err, "user_id", userID)
		return
	}

	sub := &subscriber{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	s.register(sub)
	s.logger.Info("notification subscriber connected", "user_id", userID, "connections", s.Subscribers(userID))

	go s.writeLoop(sub)
	s.readLoop(sub)
}

func (s *WebSocketSink) register(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[sub.userID]
	if !ok {
		set = make(map[*subscriber]struct{})
		s.subscribers[sub.userID] = set
	}
	set[sub] = struct{}{}
}

func (s *WebSocketSink) unregister(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[sub.userID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(s.subscribers, sub.userID)
	}
	close(sub.send)
}

// readLoop only services control frames; subscribers have nothing to say.
func (s *WebSocketSink) readLoop(sub *subscriber) {
	defer func() {
		s.unregister(sub)
		sub.conn.Close()
		s.logger.Info("notification subscriber disconnected", "user_id", sub.userID)
	}()

	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("notification subscriber read failed", "error", err, "user_id", sub.userID)
			}
			return
		}
	}
}

func (s *WebSocketSink) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Warn("notification write failed", "error", err, "user_id", sub.userID)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (s *WebSocketSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, set := range s.subscribers {
		for sub := range set {
			close(sub.send)
		}
		delete(s.subscribers, userID)
	}
}

// Package session is the Session Router (spec.md §4.2): it maps each
// WebSocket connection to the Topic Bus topics its owner cares about,
// authenticates on connect, demultiplexes inbound frames by `action`
// into the Message Pipeline or Call Signaling, and publishes presence.
//
// Generalizes the teacher's websocket.Hub/Client pair: org-scoped
// registration becomes topic subscription on internal/topicbus, and the
// single Client.send channel becomes a topicbus.Subscriber with its own
// bounded queue and eviction policy.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbra-msg/umbra-core/internal/auth"
	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/logger"
	"github.com/umbra-msg/umbra-core/internal/topicbus"
)

// Close codes per spec.md §6.
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// MessagePipeline handles the Message Pipeline's inbound actions
// (send_message, typing, stop_typing, read_receipt, delivered,
// edit_message, delete_message, react — spec.md §4.2/§4.3).
type MessagePipeline interface {
	HandleFrame(ctx context.Context, userID int64, action string, payload json.RawMessage) error
}

// CallSignaling handles Call Signaling's inbound actions (initiate_call,
// accept_call, reject_call, offer, answer, ice_candidate, end_call,
// toggle_mute, toggle_video, toggle_speaker — spec.md §4.2/§4.5).
// HandleFrame mutates conn's active-call set directly via AddActiveCall/
// RemoveActiveCall as calls start and end.
type CallSignaling interface {
	HandleFrame(ctx context.Context, conn *Connection, action string, payload json.RawMessage) error
	// EndCall synthesizes an end_call for a disconnecting session
	// (spec.md §4.2 disconnect sequence).
	EndCall(ctx context.Context, userID int64, callID string) error
}

var messageActions = map[string]bool{
	"send_message": true, "typing": true, "stop_typing": true,
	"read_receipt": true, "delivered": true, "edit_message": true,
	"delete_message": true, "react": true,
}

var callActions = map[string]bool{
	"initiate_call": true, "accept_call": true, "reject_call": true,
	"offer": true, "answer": true, "ice_candidate": true, "end_call": true,
	"toggle_mute": true, "toggle_video": true, "toggle_speaker": true,
}

// Router owns the live connection set and dispatches frames.
type Router struct {
	bus        *topicbus.Bus
	userDB     *db.UserDB
	convDB     *db.ConversationDB
	jwtManager *auth.JWTManager
	messages   MessagePipeline
	calls      CallSignaling

	upgrader websocket.Upgrader
}

// NewRouter creates a Session Router.
func NewRouter(bus *topicbus.Bus, userDB *db.UserDB, convDB *db.ConversationDB, jwtManager *auth.JWTManager, messages MessagePipeline, calls CallSignaling) *Router {
	return &Router{
		bus:        bus,
		userDB:     userDB,
		convDB:     convDB,
		jwtManager: jwtManager,
		messages:   messages,
		calls:      calls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// NewTestConnection builds a Connection with no underlying WebSocket, for
// other packages' tests that need to drive a session.CallSignaling or
// session.MessagePipeline implementation directly against Connection's
// exported surface (Subscribe/Unsubscribe/Send/UserID/ActiveCalls).
func NewTestConnection(bus *topicbus.Bus, userID int64) *Connection {
	return &Connection{
		router:      &Router{bus: bus},
		sub:         topicbus.NewSubscriber("test-" + itoa(userID)),
		userID:      userID,
		activeCalls: make(map[string]struct{}),
	}
}

// Connection is one authenticated WebSocket session (spec.md §4.2).
type Connection struct {
	router *Router
	conn   *websocket.Conn
	sub    *topicbus.Subscriber
	userID int64

	mu          sync.Mutex
	activeCalls map[string]struct{}
}

// AddActiveCall records a call this connection is a live participant in.
func (c *Connection) AddActiveCall(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeCalls[callID] = struct{}{}
}

// RemoveActiveCall clears a call from this connection's active set.
func (c *Connection) RemoveActiveCall(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.activeCalls, callID)
}

// ActiveCalls snapshots the connection's current call membership.
func (c *Connection) ActiveCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.activeCalls))
	for id := range c.activeCalls {
		ids = append(ids, id)
	}
	return ids
}

// UserID returns the authenticated user id owning this connection.
func (c *Connection) UserID() int64 { return c.userID }

// Subscribe joins an additional topic, e.g. a newly created conversation
// or an in-progress call's topic.
func (c *Connection) Subscribe(topic string) {
	c.router.bus.Subscribe(topic, c.sub)
}

// Unsubscribe leaves a topic, e.g. after a call ends.
func (c *Connection) Unsubscribe(topic string) {
	c.router.bus.Unsubscribe(topic, c.sub)
}

// Send delivers a frame directly to this connection, bypassing topic
// membership (used for immediate acks/errors).
func (c *Connection) Send(frame interface{}) {
	payload, err := json.Marshal(frame)
	if err != nil {
		logger.WS().Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}
	c.router.bus.SendTo(c.sub, topicbus.Event{Topic: "direct", Type: "frame", Payload: payload})
}

// errorFrame is sent back on the connection for unknown actions or
// handler failures (spec.md §4.2: "a handler exception does not close
// the connection").
type errorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServeWS upgrades an HTTP request to a WebSocket and runs the
// connect→serve→disconnect lifecycle of spec.md §4.2. tokenString is the
// bearer token carried in the `?token=` query parameter.
func (r *Router) ServeWS(w http.ResponseWriter, req *http.Request, tokenString string) {
	claims, err := r.jwtManager.ValidateToken(tokenString)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ctx := req.Context()
	user, err := r.userDB.GetUserByID(ctx, claims.UserID)
	if err != nil || user == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	wsConn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.WS().Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := &Connection{
		router:      r,
		conn:        wsConn,
		sub:         topicbus.NewSubscriber(connID(user.ID)),
		userID:      user.ID,
		activeCalls: make(map[string]struct{}),
	}

	if err := r.connectSession(ctx, conn); err != nil {
		logger.WS().Error().Err(err).Int64("user_id", user.ID).Msg("session connect failed")
		wsConn.Close(websocket.CloseInternalServerErr, "connect failed")
		return
	}

	go r.writePump(conn)
	r.readPump(conn)
}

func connID(userID int64) string {
	return "conn_" + time.Now().UTC().Format("20060102150405.000000000") + "_" + itoa(userID)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// connectSession runs spec.md §4.2's connect sequence: subscribe to the
// personal topic, subscribe to every conversation topic, mark online,
// publish presence to each conversation just joined.
func (r *Router) connectSession(ctx context.Context, conn *Connection) error {
	r.bus.Subscribe(topicUser(conn.userID), conn.sub)

	convs, err := r.convDB.ListForUser(ctx, conn.userID, 10000)
	if err != nil {
		return err
	}

	if err := r.userDB.SetPresence(ctx, conn.userID, true, time.Now()); err != nil {
		return err
	}

	for _, c := range convs {
		topic := topicConversation(c.ID)
		r.bus.Subscribe(topic, conn.sub)
		r.publishPresence(topic, conn.userID, true)
	}

	return nil
}

// disconnectSession runs spec.md §4.2's disconnect sequence.
func (r *Router) disconnectSession(conn *Connection) {
	ctx := context.Background()

	for _, callID := range conn.ActiveCalls() {
		if err := r.calls.EndCall(ctx, conn.userID, callID); err != nil {
			logger.WS().Warn().Err(err).Str("call_id", callID).Msg("failed to synthesize end_call on disconnect")
		}
	}

	convs, err := r.convDB.ListForUser(ctx, conn.userID, 10000)
	if err == nil {
		for _, c := range convs {
			r.publishPresence(topicConversation(c.ID), conn.userID, false)
		}
	}

	r.bus.UnsubscribeAll(conn.sub)

	if err := r.userDB.SetPresence(ctx, conn.userID, false, time.Now()); err != nil {
		logger.WS().Warn().Err(err).Int64("user_id", conn.userID).Msg("failed to clear presence on disconnect")
	}
}

func (r *Router) publishPresence(topic string, userID int64, online bool) {
	payload, _ := json.Marshal(map[string]interface{}{
		"type":    "presence.update",
		"user_id": userID,
		"online":  online,
	})
	r.bus.Publish(topicbus.Event{Topic: topic, Type: "presence.update", Payload: payload})
}

func topicUser(userID int64) string      { return "user_" + itoa(userID) }
func topicConversation(id string) string { return "conv_" + id }

// inboundFrame extracts just the action discriminator; downstream
// handlers unmarshal the rest of the payload themselves.
type inboundFrame struct {
	Action string `json:"action"`
}

// readPump reads frames from the socket and dispatches them by action
// (spec.md §4.2). One goroutine per connection; runs on the caller's
// goroutine (ServeWS blocks here until the connection closes).
func (r *Router) readPump(conn *Connection) {
	defer func() {
		r.disconnectSession(conn)
		conn.conn.Close()
	}()

	conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WS().Warn().Err(err).Int64("user_id", conn.userID).Msg("websocket read error")
			}
			return
		}
		conn.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			conn.Send(errorFrame{Type: "error", Error: "malformed_frame", Message: err.Error()})
			continue
		}

		if err := r.dispatch(conn, frame.Action, raw); err != nil {
			logger.WS().Error().Err(err).Str("action", frame.Action).Int64("user_id", conn.userID).Msg("frame handler failed")
			conn.Send(errorFrame{Type: "error", Error: "handler_failed", Action: frame.Action, Message: err.Error()})
		}
	}
}

// dispatch routes a frame by action. Unknown actions return an error
// frame without closing the connection (spec.md §4.2).
func (r *Router) dispatch(conn *Connection, action string, raw json.RawMessage) error {
	ctx := context.Background()
	switch {
	case messageActions[action]:
		return r.messages.HandleFrame(ctx, conn.userID, action, raw)
	case callActions[action]:
		return r.calls.HandleFrame(ctx, conn, action, raw)
	default:
		conn.Send(errorFrame{Type: "error", Error: "unknown_action", Action: action})
		return nil
	}
}

// writePump drains this connection's Topic Bus subscriber into the
// socket, with periodic pings to keep the connection alive.
func (r *Router) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.conn.Close()
	}()

	for {
		select {
		case <-conn.sub.Events():
			events := conn.sub.Drain()
			for _, e := range events {
				conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.conn.WriteMessage(websocket.TextMessage, e.Payload); err != nil {
					return
				}
			}

		case <-ticker.C:
			conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

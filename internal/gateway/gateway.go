package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Wire event ids sent by browsers. Replies use the same id with a ".reply"
// suffix; forwarded bus events use the subject without the "chat." prefix
// and the session suffix, for example "event.message" or "audio.load".
const (
	WireSessionStart = "session.start"
	WireChoiceSubmit = "choice.submit"
	WireSessionEnd   = "session.end"
	WireAudioReady   = "audio.ready"
	WireError        = "error"
)

// WireEvent is the JSON envelope used on the WebSocket connection.
type WireEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Gateway bridges browser WebSocket clients to the chat bus protocol. Every
// session started through a connection is ended when that connection closes.
type Gateway struct {
	bus      *bus.Client
	upgrader websocket.Upgrader
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(cfg config.GatewayConfig, busClient *bus.Client, logger *slog.Logger) *Gateway {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return &Gateway{
		bus:     busClient,
		timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		logger:  logger.With(slog.String("component", "gateway")),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		gw:     g,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*nats.Subscription),
	}
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		c.run()
		g.mu.Lock()
		delete(g.clients, c)
		g.mu.Unlock()
	}()
}

// Clients counts open connections.
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Close disconnects every client and waits until their sessions are ended.
func (g *Gateway) Close() {
	g.mu.Lock()
	for c := range g.clients {
		_ = c.conn.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

type client struct {
	gw      *Gateway
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	pending sync.WaitGroup
}

func (c *client) run() {
	log := c.gw.logger.With(slog.String("remote", c.conn.RemoteAddr().String()))
	log.Debug("websocket client connected")
	defer func() {
		c.cancel()
		c.endAll()
		_ = c.conn.Close()
		c.pending.Wait()
		log.Debug("websocket client disconnected")
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", slogError(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var ev WireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.sendError("", "bad_request")
			continue
		}
		c.dispatch(ev)
	}
}

func (c *client) dispatch(ev WireEvent) {
	switch ev.ID {
	case WireSessionStart:
		var req protocol.SessionStart
		if err := decodePayload(ev.Payload, &req); err != nil {
			c.sendError(ev.SessionID, "bad_request")
			return
		}
		if req.SessionID == "" {
			req.SessionID = ev.SessionID
		}
		// a given id may only restart a session this connection owns
		if req.SessionID == "" {
			req.SessionID = uuid.NewString()
		} else if !c.checkOwned(req.SessionID) {
			return
		}
		// subscribe first so the welcome turn's events are not missed
		if err := c.follow(req.SessionID); err != nil {
			c.gw.logger.Warn("failed to follow session", slog.String("session_id", req.SessionID), slogError(err))
			c.sendError(req.SessionID, "internal")
			return
		}
		c.request(WireSessionStart, protocol.SubjectSessionStart, req.SessionID, req)
	case WireChoiceSubmit:
		var req protocol.ChoiceSubmit
		if err := decodePayload(ev.Payload, &req); err != nil {
			c.sendError(ev.SessionID, "bad_request")
			return
		}
		if req.SessionID == "" {
			req.SessionID = ev.SessionID
		}
		if !c.checkOwned(req.SessionID) {
			return
		}
		c.request(WireChoiceSubmit, protocol.SubjectChoiceSubmit, req.SessionID, req)
	case WireSessionEnd:
		sid := ev.SessionID
		var req protocol.SessionEnd
		if err := decodePayload(ev.Payload, &req); err == nil && req.SessionID != "" {
			sid = req.SessionID
		}
		if !c.checkOwned(sid) {
			return
		}
		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			c.end(sid, true)
		}()
	case WireAudioReady:
		var ack protocol.AudioControl
		if err := decodePayload(ev.Payload, &ack); err != nil || ack.ClipID == "" {
			c.sendError(ev.SessionID, "bad_request")
			return
		}
		if err := c.gw.bus.PublishJSON(protocol.SubjectAudioReady, ack); err != nil {
			c.gw.logger.Warn("failed to forward audio ready", slogError(err))
		}
	default:
		c.sendError(ev.SessionID, "unknown_event")
	}
}

// checkOwned reports whether sessionID was started on this connection and
// answers with an error when it was not. Ids that are not a single subject
// token are never echoed back.
func (c *client) checkOwned(sessionID string) bool {
	if !protocol.ValidSessionID(sessionID) {
		c.sendError("", "bad_request")
		return false
	}
	c.mu.Lock()
	_, ok := c.subs[sessionID]
	c.mu.Unlock()
	if !ok {
		c.sendError(sessionID, "unknown_session")
	}
	return ok
}

// follow forwards every chat.<kind>.<name>.<sessionID> event to the socket.
func (c *client) follow(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sessionID]; ok {
		return nil
	}
	sub, err := c.gw.bus.Conn().Subscribe("chat.*.*."+sessionID, func(msg *nats.Msg) {
		c.send(WireEvent{
			ID:        wireID(msg.Subject, sessionID),
			SessionID: sessionID,
			Payload:   json.RawMessage(msg.Data),
		})
	})
	if err != nil {
		return err
	}
	c.subs[sessionID] = sub
	return nil
}

func (c *client) unfollow(sessionID string) {
	c.mu.Lock()
	sub := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// request forwards a signal and relays its reply without blocking the read
// loop; choice replies arrive only after the model answers.
func (c *client) request(id, subject, sessionID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.sendError(sessionID, "bad_request")
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.gw.timeout)
		defer cancel()
		msg, err := c.gw.bus.Conn().RequestWithContext(ctx, subject, data)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.gw.logger.Warn("bus request failed", slog.String("subject", subject), slogError(err))
			c.sendError(sessionID, requestErrorCode(err))
			return
		}
		c.send(WireEvent{ID: id + ".reply", SessionID: sessionID, Payload: json.RawMessage(msg.Data)})
	}()
}

func (c *client) end(sessionID string, reply bool) {
	data, err := json.Marshal(protocol.SessionEnd{SessionID: sessionID})
	if err != nil {
		return
	}
	msg, err := c.gw.bus.Conn().Request(protocol.SubjectSessionEnd, data, c.gw.timeout)
	c.unfollow(sessionID)
	if !reply {
		return
	}
	if err != nil {
		c.sendError(sessionID, requestErrorCode(err))
		return
	}
	c.send(WireEvent{ID: WireSessionEnd + ".reply", SessionID: sessionID, Payload: json.RawMessage(msg.Data)})
}

func (c *client) endAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.end(id, false)
	}
}

func (c *client) sendError(sessionID, code string) {
	payload, _ := json.Marshal(protocol.SessionReply{SessionID: sessionID, Error: code})
	c.send(WireEvent{ID: WireError, SessionID: sessionID, Payload: payload})
}

func (c *client) send(ev WireEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.gw.logger.Debug("websocket write failed", slogError(err))
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(raw, v)
}

// wireID maps chat.event.message.<sid> to event.message.
func wireID(subject, sessionID string) string {
	id := strings.TrimPrefix(subject, "chat.")
	return strings.TrimSuffix(id, "."+sessionID)
}

func requestErrorCode(err error) string {
	switch {
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, nats.ErrNoResponders):
		return "unavailable"
	default:
		return "internal"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

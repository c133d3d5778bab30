package tacp

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentcert/backend/internal/core"
)

const (
	pongWait    = 60 * time.Second // Time allowed to read the next pong
	pingPeriod  = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait   = 10 * time.Second // Time allowed to write a message
	maxMsgSize  = 512 * 1024       // 512KB max message size per frame
	sendBuffer  = 256              // Per-connection outbound channel buffer
	defaultIdle = 10 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Fabric owns the live transport of TACP sessions. Each session gets a hub
// that serialises inbound processing; each participant holds one websocket
// connection with dedicated read and write pumps.
type Fabric struct {
	handler     *Handler
	correlator  *Correlator
	idleTimeout time.Duration
	logger      *log.Logger

	mu   sync.Mutex
	hubs map[string]*sessionHub

	stop     chan struct{}
	stopOnce sync.Once
}

// NewFabric builds the session transport. idleTimeout zero means the
// default of 10 minutes.
func NewFabric(handler *Handler, idleTimeout time.Duration, logger *log.Logger) *Fabric {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdle
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[FABRIC] ", log.LstdFlags)
	}
	f := &Fabric{
		handler:     handler,
		correlator:  NewCorrelator(),
		idleTimeout: idleTimeout,
		logger:      logger,
		hubs:        make(map[string]*sessionHub),
		stop:        make(chan struct{}),
	}
	go f.idleMonitor()
	return f
}

// Close stops the idle monitor and shuts down every hub.
func (f *Fabric) Close() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.mu.Lock()
	hubs := make([]*sessionHub, 0, len(f.hubs))
	for _, hub := range f.hubs {
		hubs = append(hubs, hub)
	}
	f.hubs = make(map[string]*sessionHub)
	f.mu.Unlock()
	for _, hub := range hubs {
		hub.shutdown()
	}
}

type inboundRequest struct {
	env    *Envelope
	result chan inboundResult
}

type inboundResult struct {
	frames []*Envelope
	err    error
}

// sessionHub serialises one session's message processing and tracks its
// participants' connections.
type sessionHub struct {
	id      string
	fabric  *Fabric
	inbound chan inboundRequest
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	conns    map[string]*Conn
	lastSeen time.Time
}

func (f *Fabric) hub(sessionID string) *sessionHub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hub, ok := f.hubs[sessionID]; ok {
		return hub
	}
	hub := &sessionHub{
		id:       sessionID,
		fabric:   f,
		inbound:  make(chan inboundRequest, sendBuffer),
		done:     make(chan struct{}),
		conns:    make(map[string]*Conn),
		lastSeen: time.Now().UTC(),
	}
	f.hubs[sessionID] = hub
	go hub.run()
	return hub
}

func (f *Fabric) dropHub(sessionID string) {
	f.mu.Lock()
	hub, ok := f.hubs[sessionID]
	if ok {
		delete(f.hubs, sessionID)
	}
	f.mu.Unlock()
	if ok {
		hub.shutdown()
	}
}

func (h *sessionHub) shutdown() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (h *sessionHub) touch() {
	h.mu.Lock()
	h.lastSeen = time.Now().UTC()
	h.mu.Unlock()
}

func (h *sessionHub) idleSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen
}

// run is the hub's single processing goroutine; per-session ordering comes
// from here.
func (h *sessionHub) run() {
	for {
		select {
		case req := <-h.inbound:
			frames, err := h.process(req.env)
			if req.result != nil {
				req.result <- inboundResult{frames: frames, err: err}
			}
		case <-h.done:
			return
		}
	}
}

// process runs one frame through the protocol handler and routes the output.
// Handler-built trust proofs are fed straight back so the verifier side of
// the handshake completes without a round trip through the client.
func (h *sessionHub) process(env *Envelope) ([]*Envelope, error) {
	h.touch()
	frames, err := h.fabric.handler.HandleMessage(env)
	if err != nil {
		errFrame := ErrorEnvelope(env, err)
		h.deliver(errFrame)
		return []*Envelope{errFrame}, err
	}

	out := make([]*Envelope, 0, len(frames))
	for _, frame := range frames {
		out = append(out, frame)
		h.deliver(frame)
		if frame.MessageType == MsgTrustProof && frame.MessageID != env.MessageID {
			followups, err := h.fabric.handler.HandleMessage(frame)
			if err != nil {
				h.fabric.logger.Printf("session %s: proof verification errored: %v", h.id, err)
				continue
			}
			for _, followup := range followups {
				out = append(out, followup)
				h.deliver(followup)
			}
		}
	}
	return out, nil
}

// deliver routes one frame: a pending send_and_wait future first, then the
// recipient's connection. No connection means the frame is dropped; session
// state already reflects it.
func (h *sessionHub) deliver(frame *Envelope) {
	if h.fabric.correlator.Resolve(frame) {
		return
	}
	h.mu.Lock()
	conn := h.conns[frame.RecipientID]
	h.mu.Unlock()
	if conn == nil {
		return
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case conn.send <- raw:
	default:
		h.fabric.logger.Printf("session %s: send buffer full for %s, dropping %s",
			h.id, frame.RecipientID, frame.MessageType)
	}
}

// Inject processes a frame as if it arrived over the session's transport
// and returns the frames it produced. Used by the REST message endpoint and
// by server-initiated sends.
func (f *Fabric) Inject(ctx context.Context, env *Envelope) ([]*Envelope, error) {
	hub := f.hub(env.SessionID)
	req := inboundRequest{env: env, result: make(chan inboundResult, 1)}
	select {
	case hub.inbound <- req:
	case <-ctx.Done():
		return nil, core.ErrTimeout
	}
	select {
	case res := <-req.result:
		return res.frames, res.err
	case <-ctx.Done():
		return nil, core.ErrTimeout
	}
}

// SendAndWait injects a frame and blocks until the first frame answering it
// arrives or the context expires.
func (f *Fabric) SendAndWait(ctx context.Context, env *Envelope) (*Envelope, error) {
	f.correlator.Expect(env.MessageID)
	frames, err := f.Inject(ctx, env)
	if err != nil {
		f.correlator.Cancel(env.MessageID)
		return nil, err
	}
	// The reply often comes out of the same processing pass; check before
	// parking on the future.
	for _, frame := range frames {
		if frame.InReplyTo == env.MessageID {
			f.correlator.Cancel(env.MessageID)
			return frame, nil
		}
	}
	return f.correlator.Await(ctx, env.MessageID)
}

// idleMonitor expires sessions whose hubs have been quiet past the idle
// timeout.
func (f *Fabric) idleMonitor() {
	interval := f.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-f.idleTimeout)
			f.mu.Lock()
			var idle []string
			for id, hub := range f.hubs {
				if hub.idleSince().Before(cutoff) {
					idle = append(idle, id)
				}
			}
			f.mu.Unlock()
			for _, id := range idle {
				if _, err := f.handler.ExpireSession(id); err != nil {
					f.logger.Printf("expiring session %s failed: %v", id, err)
				}
				f.dropHub(id)
			}
		case <-f.stop:
			return
		}
	}
}

// ============================================================================
// WEBSOCKET TRANSPORT
// ============================================================================

// Conn is one participant's websocket attachment to a session hub. writePump
// owns all writes, readPump owns all reads.
type Conn struct {
	hub     *sessionHub
	agentID string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// HandleWebSocket upgrades the request and attaches the agent to the
// session's hub. The agent must be a participant of a non-terminal session.
func (f *Fabric) HandleWebSocket(w http.ResponseWriter, r *http.Request, sessionID, agentID string) error {
	sess, err := f.handler.GetSession(sessionID)
	if err != nil {
		return err
	}
	if !sess.Participant(agentID) {
		return core.PreconditionFailedf("agent %s is not a participant of session %s", agentID, sessionID)
	}
	if sess.Status.Terminal() {
		return core.PreconditionFailedf("session %s is %s", sessionID, sess.Status)
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	conn := &Conn{
		hub:     f.hub(sessionID),
		agentID: agentID,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	conn.hub.mu.Lock()
	if prior := conn.hub.conns[agentID]; prior != nil {
		prior.close()
	}
	conn.hub.conns[agentID] = conn
	conn.hub.mu.Unlock()

	f.logger.Printf("agent %s attached to session %s", agentID, sessionID)
	go conn.writePump()
	go conn.readPump()
	return nil
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.mu.Lock()
		if c.hub.conns[c.agentID] == c {
			delete(c.hub.conns, c.agentID)
		}
		c.hub.mu.Unlock()
		c.ws.Close()
	})
}

// writePump is the only goroutine that writes to the connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case raw := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump is the only goroutine that reads from the connection. Frames are
// stamped with the connection's agent id before processing; a client cannot
// speak for its peer.
func (c *Conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.hub.fabric.logger.Printf("session %s: malformed frame from %s: %v", c.hub.id, c.agentID, err)
			continue
		}
		env.SenderID = c.agentID
		env.SessionID = c.hub.id
		if env.MessageID == "" {
			env.MessageID = uuid.NewString()
		}
		if env.Timestamp.IsZero() {
			env.Timestamp = time.Now().UTC()
		}
		select {
		case c.hub.inbound <- inboundRequest{env: &env}:
		case <-c.done:
			return
		}
	}
}

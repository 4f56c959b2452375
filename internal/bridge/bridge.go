// Package bridge pumps bytes between browser WebSockets and session shells.
//
// A WebSocket binds itself to a session with its first input, resize, or
// ping frame for that session id; a later socket for the same id
// supersedes the earlier one. Shell output produced while no socket is
// bound accumulates in a per-session buffer and is drained, in arrival
// order, ahead of newer output once a socket is available. When a socket
// closes and nothing rebinds within the grace window, the SSH session is
// torn down — a page refresh lands inside the window and keeps its shell.
package bridge

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/yangjarod117/webssh/internal/sshsession"
)

const (
	// DefaultGraceTimeout keeps a session alive after its socket closes.
	DefaultGraceTimeout = 5 * time.Second

	// DefaultPingInterval is the liveness ping cycle for all sockets.
	DefaultPingInterval = 30 * time.Second

	// DefaultSettleDelay is how long after shell creation the first buffer
	// drain waits, letting the initial prompt accumulate.
	DefaultSettleDelay = 100 * time.Millisecond

	// DefaultRetryBase scales the linear shell-creation backoff: attempt n
	// sleeps n times this long before the next try.
	DefaultRetryBase = 500 * time.Millisecond

	// DefaultMaxCreateAttempts bounds shell-creation retries.
	DefaultMaxCreateAttempts = 5

	// maxMessageSize limits one WebSocket frame.
	maxMessageSize = 1024 * 1024
)

// Bridge multiplexes WebSocket clients onto session shells.
type Bridge struct {
	registry *sshsession.Registry

	// Timing knobs, overridable in tests. Defaults applied by New.
	GraceTimeout      time.Duration
	PingInterval      time.Duration
	SettleDelay       time.Duration
	RetryBase         time.Duration
	MaxCreateAttempts int

	mu       sync.Mutex
	sessions map[string]*sessionState
	clients  map[*Client]struct{}
}

// sessionState is the bridge's per-session bookkeeping. Everything here is
// guarded by its mutex; the shell handle itself lives on the Session.
type sessionState struct {
	mu         sync.Mutex
	client     *Client       // currently bound socket, nil when detached
	pending    []byte        // early-output buffer
	creating   bool          // a shell-creation attempt is in flight
	createDone chan struct{} // closed when the in-flight attempt resolves
	reader     bool          // output pump started
	graceTimer *time.Timer

	// sendMu makes taking the early-output buffer and writing the result
	// one atomic step: without it a drain could empty the buffer, lose the
	// CPU before its write, and let a fresh chunk reach the socket first.
	sendMu sync.Mutex
}

// Client is one accepted WebSocket connection.
type Client struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	missedPing bool
}

// New creates a Bridge over the registry with default timings.
func New(registry *sshsession.Registry) *Bridge {
	return &Bridge{
		registry:          registry,
		GraceTimeout:      DefaultGraceTimeout,
		PingInterval:      DefaultPingInterval,
		SettleDelay:       DefaultSettleDelay,
		RetryBase:         DefaultRetryBase,
		MaxCreateAttempts: DefaultMaxCreateAttempts,
		sessions:          make(map[string]*sessionState),
		clients:           make(map[*Client]struct{}),
	}
}

// Run drives the liveness ticker until ctx is cancelled: every cycle each
// socket is pinged, and a socket that never answered the previous cycle's
// ping is terminated.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pingClients()
		}
	}
}

func (b *Bridge) pingClients() {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		if c.missedPing {
			c.mu.Unlock()
			log.Printf("[bridge] terminating unresponsive websocket")
			c.conn.Close(websocket.StatusPolicyViolation, "ping timeout")
			continue
		}
		c.missedPing = true
		c.mu.Unlock()

		go func(c *Client) {
			pingCtx, cancel := context.WithTimeout(c.ctx, b.PingInterval)
			defer cancel()
			if err := c.conn.Ping(pingCtx); err == nil {
				c.mu.Lock()
				c.missedPing = false
				c.mu.Unlock()
			}
		}(c)
	}
}

// HandleConn services one WebSocket for its lifetime: frames are read
// serially and dispatched; on any read error the socket is unbound and
// grace teardown is scheduled for its sessions.
func (b *Bridge) HandleConn(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)

	clientCtx, cancel := context.WithCancel(ctx)
	c := &Client{conn: conn, ctx: clientCtx, cancel: cancel}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		cancel()
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		b.clientClosed(c)
		conn.CloseNow()
	}()

	for {
		_, data, err := conn.Read(clientCtx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(ServerMessage{Type: "error", Message: "malformed message"})
			continue
		}
		b.dispatch(c, msg)
	}
}

// dispatch routes one client frame.
func (b *Bridge) dispatch(c *Client, msg ClientMessage) {
	if msg.SessionID == "" {
		c.send(ServerMessage{Type: "error", Message: "sessionId required"})
		return
	}

	session, ok := b.registry.Get(msg.SessionID)
	if !ok {
		c.send(ServerMessage{Type: "error", SessionID: msg.SessionID, Message: "session not found"})
		return
	}

	switch msg.Type {
	case "input", "resize", "ping":
		// Bind before anything else so output produced during shell
		// creation has a destination.
		b.bind(msg.SessionID, c)
	default:
		c.send(ServerMessage{Type: "error", SessionID: msg.SessionID, Message: "unknown message type"})
		return
	}

	switch msg.Type {
	case "ping":
		c.send(ServerMessage{Type: "pong", SessionID: msg.SessionID})

	case "input":
		if session.Shell() == nil {
			if err := b.ensureShell(msg.SessionID, session, 0, 0); err != nil {
				c.send(ServerMessage{Type: "error", SessionID: msg.SessionID, Message: "failed to start shell"})
				return
			}
		}
		if ok, _ := b.registry.SendInput(msg.SessionID, []byte(msg.Data)); !ok {
			c.send(ServerMessage{Type: "error", SessionID: msg.SessionID, Message: "input failed"})
		}

	case "resize":
		if session.Shell() == nil {
			if err := b.ensureShell(msg.SessionID, session, msg.Cols, msg.Rows); err != nil {
				c.send(ServerMessage{Type: "error", SessionID: msg.SessionID, Message: "failed to start shell"})
				return
			}
		}
		session.Resize(msg.Cols, msg.Rows)
	}
}

// state returns (creating if needed) the bridge state for a session id.
func (b *Bridge) state(sessionID string) *sessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		b.sessions[sessionID] = st
	}
	return st
}

// bind makes c the current sink for the session, superseding any earlier
// socket and cancelling a pending grace teardown. Any buffered output is
// drained to the new sink.
func (b *Bridge) bind(sessionID string, c *Client) {
	st := b.state(sessionID)

	st.mu.Lock()
	rebound := st.client != c
	st.client = c
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
	st.mu.Unlock()

	if rebound {
		b.flush(sessionID, st)
	}
}

// ensureShell creates the session shell if absent. The per-session
// creating flag makes attempts single-flight: concurrent callers wait for
// the in-flight attempt and share its outcome. A failed attempt is retried
// with linear backoff up to MaxCreateAttempts.
func (b *Bridge) ensureShell(sessionID string, session *sshsession.Session, cols, rows int) error {
	st := b.state(sessionID)

	st.mu.Lock()
	for st.creating {
		done := st.createDone
		st.mu.Unlock()
		<-done
		st.mu.Lock()
	}
	if session.Shell() != nil && st.reader {
		st.mu.Unlock()
		return nil
	}
	st.creating = true
	st.createDone = make(chan struct{})
	st.mu.Unlock()

	var shell *sshsession.Shell
	var err error
	for attempt := 1; attempt <= b.MaxCreateAttempts; attempt++ {
		shell, err = session.CreateShell(cols, rows)
		if err == nil {
			break
		}
		log.Printf("[bridge] session %s shell creation attempt %d failed: %v", sessionID, attempt, err)
		if attempt < b.MaxCreateAttempts {
			time.Sleep(time.Duration(attempt) * b.RetryBase)
		}
	}

	st.mu.Lock()
	st.creating = false
	close(st.createDone)
	st.createDone = nil
	if err != nil {
		st.mu.Unlock()
		return err
	}
	startPump := !st.reader
	st.reader = true
	st.mu.Unlock()

	if startPump {
		go b.pumpOutput(sessionID, session, shell)
		// One drain shortly after creation so the initial prompt reaches
		// a socket that bound while the shell was starting.
		go func() {
			time.Sleep(b.SettleDelay)
			b.flush(sessionID, st)
		}()
	}
	return nil
}

// pumpOutput is the single reader of a shell's output stream. Chunks go to
// the bound socket in production order, spilling into the early-output
// buffer whenever no socket is available. When the shell ends, the bridge
// sends a disconnect frame and drops all per-session state.
func (b *Bridge) pumpOutput(sessionID string, session *sshsession.Session, shell *sshsession.Shell) {
	st := b.state(sessionID)
	buf := make([]byte, 32*1024)
	for {
		n, err := shell.Stdout().Read(buf)
		if n > 0 {
			session.TallyOutput(n)
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.deliver(sessionID, st, chunk)
		}
		if err != nil {
			log.Printf("[bridge] session %s shell output ended: %v", sessionID, err)
			break
		}
	}

	session.ReleaseShell(shell)

	st.mu.Lock()
	c := st.client
	st.mu.Unlock()
	if c != nil {
		c.send(ServerMessage{Type: "disconnect", SessionID: sessionID})
	}
	b.release(sessionID)
}

// deliver hands one output chunk to the bound socket, draining any buffered
// bytes first; without an open socket the chunk joins the buffer.
func (b *Bridge) deliver(sessionID string, st *sessionState, chunk []byte) {
	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	st.mu.Lock()
	c := st.client
	if c == nil || !c.open() {
		st.pending = append(st.pending, chunk...)
		st.mu.Unlock()
		return
	}
	payload := chunk
	if len(st.pending) > 0 {
		payload = append(st.pending, chunk...)
		st.pending = nil
	}
	st.mu.Unlock()

	if err := c.send(ServerMessage{Type: "output", SessionID: sessionID, Data: string(payload)}); err != nil {
		// The socket died mid-write; keep the bytes for the next binding.
		st.mu.Lock()
		st.pending = append(payload, st.pending...)
		st.mu.Unlock()
	}
}

// flush drains the early-output buffer to the current socket, if any.
func (b *Bridge) flush(sessionID string, st *sessionState) {
	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	st.mu.Lock()
	c := st.client
	if c == nil || !c.open() || len(st.pending) == 0 {
		st.mu.Unlock()
		return
	}
	payload := st.pending
	st.pending = nil
	st.mu.Unlock()

	if err := c.send(ServerMessage{Type: "output", SessionID: sessionID, Data: string(payload)}); err != nil {
		st.mu.Lock()
		st.pending = append(payload, st.pending...)
		st.mu.Unlock()
	}
}

// clientClosed unbinds the socket from every session it was driving and
// schedules grace teardown for each session left with no socket.
func (b *Bridge) clientClosed(c *Client) {
	b.mu.Lock()
	affected := make(map[string]*sessionState)
	for id, st := range b.sessions {
		affected[id] = st
	}
	b.mu.Unlock()

	for id, st := range affected {
		st.mu.Lock()
		if st.client != c {
			st.mu.Unlock()
			continue
		}
		st.client = nil
		if st.graceTimer != nil {
			st.graceTimer.Stop()
		}
		sessionID := id
		state := st
		st.graceTimer = time.AfterFunc(b.GraceTimeout, func() {
			b.graceExpired(sessionID, state)
		})
		st.mu.Unlock()
	}
}

// graceExpired fires when the grace window passed without a rebind.
func (b *Bridge) graceExpired(sessionID string, st *sessionState) {
	st.mu.Lock()
	if st.client != nil {
		// A new socket bound while the timer was firing.
		st.mu.Unlock()
		return
	}
	st.graceTimer = nil
	st.mu.Unlock()

	log.Printf("[bridge] grace window expired for session %s, disconnecting", sessionID)
	b.registry.Disconnect(sessionID)
	b.release(sessionID)
}

// release drops all bridge state for a session.
func (b *Bridge) release(sessionID string) {
	b.mu.Lock()
	st, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
	st.client = nil
	st.pending = nil
	st.mu.Unlock()
}

// open reports whether the socket is still usable.
func (c *Client) open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// send writes one JSON frame. Writes are serialized per socket.
func (c *Client) send(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

package sshsession

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/ssh"
)

const (
	// connectTimeout is the hard deadline for dial + SSH handshake.
	connectTimeout = 10 * time.Second

	// keepaliveInterval is how often keepalive probes are sent.
	keepaliveInterval = 10 * time.Second

	// keepaliveMaxMissed is how many consecutive unanswered probes are
	// tolerated before the connection is declared dead.
	keepaliveMaxMissed = 3

	// DefaultIdleTimeout evicts sessions with no activity for this long.
	DefaultIdleTimeout = 30 * time.Minute
)

// Registry is the in-memory table of live sessions plus the idle-eviction
// loop. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// IdleTimeout is the inactivity threshold for eviction. Zero disables
	// eviction.
	IdleTimeout time.Duration

	cron *cron.Cron
}

// NewRegistry creates a registry with the given idle timeout. Pass zero to
// use the default (30 minutes).
func NewRegistry(idleTimeout time.Duration) *Registry {
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		IdleTimeout: idleTimeout,
	}
}

// Start launches the eviction scanner on a one-minute schedule.
func (r *Registry) Start() {
	if r.cron != nil {
		return
	}
	r.cron = cron.New()
	r.cron.AddFunc("@every 1m", func() { r.EvictIdle() })
	r.cron.Start()
}

// Connect allocates a session id, registers the session in the connecting
// state, and dials SSH under the 10 s deadline. The returned session is
// always registered; on failure its status is error with the cause.
func (r *Registry) Connect(ctx context.Context, cfg Config) (*Session, error) {
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		config:    cfg,
		status:    StatusConnecting,
	}
	s.lastActivity = s.CreatedAt

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	client, err := dial(ctx, cfg)
	if err != nil {
		s.markError(err.Error())
		log.Printf("[registry] session %s connect failed: %v", s.ID, err)
		return s, err
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())
	s.markConnected(client, keepCancel)
	go r.keepalive(keepCtx, s, client)

	log.Printf("[registry] session %s connected to %s@%s:%d", s.ID, cfg.Username, cfg.Host, cfg.Port)
	return s, nil
}

// dial establishes the TCP connection and SSH handshake with a hard
// deadline covering both.
func dial(ctx context.Context, cfg Config) (*ssh.Client, error) {
	auth, err := cfg.authMethods()
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialer := net.Dialer{Timeout: connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Now().Add(connectTimeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// keepalive probes the transport every 10 s and disconnects the session
// after 3 consecutive misses.
func (r *Registry) keepalive(ctx context.Context, s *Session, client *ssh.Client) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				missed = 0
				continue
			}
			missed++
			if missed < keepaliveMaxMissed {
				continue
			}
			log.Printf("[registry] session %s keepalive failed %d times, disconnecting: %v", s.ID, missed, err)
			r.Disconnect(s.ID)
			return
		}
	}
}

// Get returns the session for id and advances its activity clock.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.Touch()
	return s, true
}

// Status returns the status snapshot for id.
func (r *Registry) Status(id string) (Info, bool) {
	s, ok := r.Get(id)
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// Disconnect removes the session and tears down its SSH state. The second
// call for an id returns false.
func (r *Registry) Disconnect(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.Disconnect()
	log.Printf("[registry] session %s disconnected", id)
	return true
}

// CreateShell creates (or returns) the single shell for a session.
func (r *Registry) CreateShell(id string, cols, rows int) (*Shell, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.CreateShell(cols, rows)
}

// Resize adjusts the PTY for a session; no-op without a shell.
func (r *Registry) Resize(id string, cols, rows int) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.Resize(cols, rows)
	return nil
}

// SendInput forwards input to the session's shell. The boolean is false
// when no shell exists.
func (r *Registry) SendInput(id string, data []byte) (bool, error) {
	s, ok := r.Get(id)
	if !ok {
		return false, ErrSessionNotFound
	}
	return s.SendInput(data), nil
}

// ActiveSessions returns snapshots of every registered session.
func (r *Registry) ActiveSessions() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	return out
}

// EvictIdle disconnects every session whose last activity is older than
// the idle timeout. Returns how many were evicted.
func (r *Registry) EvictIdle() int {
	if r.IdleTimeout <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-r.IdleTimeout)
	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		log.Printf("[registry] evicting idle session %s", id)
		r.Disconnect(id)
	}
	return len(stale)
}

// Shutdown stops the eviction loop and disconnects every live session.
func (r *Registry) Shutdown() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
		r.cron = nil
	}

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
	log.Printf("[registry] shutdown complete (%d sessions closed)", len(sessions))
}

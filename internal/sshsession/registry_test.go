package sshsession

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "testuser"
	testPassword = "testpass"
)

// testSSHServer starts an in-process SSH server with password auth. Shell
// sessions get a PTY status line and echo stdin back with an "echo:"
// prefix; window-change requests are confirmed with a "resize:" line.
func testSSHServer(t *testing.T) (host string, port int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong credentials")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestConnection(netConn, config)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		<-done
	})

	addr := listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func handleTestConnection(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleTestSession(ch, requests)
	}
}

func handleTestSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var hasPTY bool

	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				ch.Write([]byte(fmt.Sprintf("resize:%dx%d\n", cols, rows)))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			if hasPTY {
				ch.Write([]byte("PTY:true\n"))
			} else {
				ch.Write([]byte("PTY:false\n"))
			}
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func testConfig(host string, port int) Config {
	return Config{
		Host:     host,
		Port:     port,
		Username: testUser,
		AuthType: AuthPassword,
		Password: testPassword,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(0)
	t.Cleanup(r.Shutdown)
	return r
}

// readUntil reads from r until the accumulated output contains the target
// string or the timeout expires.
func readUntil(t *testing.T, r io.Reader, target string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	var accumulated string
	buf := make([]byte, 4096)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %q, got: %q", target, accumulated)
		default:
		}
		n, err := r.Read(buf)
		if n > 0 {
			accumulated += string(buf[:n])
		}
		if strings.Contains(accumulated, target) {
			return accumulated
		}
		if err != nil {
			t.Fatalf("read error waiting for %q: %v, accumulated: %q", target, err, accumulated)
		}
	}
}

func TestConnect_PasswordAuth(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if s.ID == "" {
		t.Error("session id is empty")
	}
	if s.Status() != StatusConnected {
		t.Errorf("status = %q, want %q", s.Status(), StatusConnected)
	}

	info := s.Info()
	if info.Host != host || info.Port != port || info.Username != testUser {
		t.Errorf("info = %+v, want host/port/user preserved", info)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("connectedAt not set")
	}
}

func TestConnect_ScrubsSecrets(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	s.mu.Lock()
	cfg := s.config
	s.mu.Unlock()
	if cfg.Password != "" || cfg.PrivateKey != "" || cfg.Passphrase != "" {
		t.Error("secrets retained after successful handshake")
	}
}

func TestConnect_BadPassword(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	cfg := testConfig(host, port)
	cfg.Password = "wrong"
	s, err := r.Connect(context.Background(), cfg)
	if err == nil {
		t.Fatal("Connect() with wrong password should fail")
	}
	if s.Status() != StatusError {
		t.Errorf("status = %q, want %q", s.Status(), StatusError)
	}

	// The failed session stays registered so its error is queryable.
	got, ok := r.Get(s.ID)
	if !ok || got != s {
		t.Error("failed session not found in registry")
	}
	info := s.Info()
	if info.Error == "" {
		t.Error("error text not recorded")
	}
}

func TestConnect_UnreachableHost(t *testing.T) {
	r := newTestRegistry(t)

	// A closed port fails fast with connection refused.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	cfg := testConfig("127.0.0.1", port)
	if _, err := r.Connect(context.Background(), cfg); err == nil {
		t.Fatal("Connect() to closed port should fail")
	}
}

func TestConnect_UnknownAuthType(t *testing.T) {
	r := newTestRegistry(t)

	cfg := Config{Host: "127.0.0.1", Port: 22, Username: "x", AuthType: "agent"}
	if _, err := r.Connect(context.Background(), cfg); err == nil {
		t.Fatal("Connect() with unknown auth type should fail")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if !r.Disconnect(s.ID) {
		t.Error("first Disconnect() = false, want true")
	}
	if r.Disconnect(s.ID) {
		t.Error("second Disconnect() = true, want false")
	}
	if s.Status() != StatusDisconnected {
		t.Errorf("status = %q, want %q", s.Status(), StatusDisconnected)
	}
	if _, ok := r.Get(s.ID); ok {
		t.Error("disconnected session still resolvable")
	}
}

func TestGet_UnknownID(t *testing.T) {
	r := newTestRegistry(t)
	if _, ok := r.Get("nope"); ok {
		t.Error("Get(unknown) = true, want false")
	}
	if _, ok := r.Status("nope"); ok {
		t.Error("Status(unknown) = true, want false")
	}
}

func TestGet_AdvancesActivity(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	before := s.LastActivity()
	time.Sleep(10 * time.Millisecond)
	r.Get(s.ID)
	if !s.LastActivity().After(before) {
		t.Error("Get() did not advance lastActivity")
	}
}

func TestCreateShell_SingleInstance(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	const callers = 5
	shells := make([]*Shell, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			shell, err := s.CreateShell(80, 24)
			if err != nil {
				t.Errorf("CreateShell(%d) error: %v", i, err)
				return
			}
			shells[i] = shell
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if shells[i] != shells[0] {
			t.Fatalf("caller %d got a different shell instance", i)
		}
	}
}

func TestShell_InputOutput(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	shell, err := s.CreateShell(80, 24)
	if err != nil {
		t.Fatalf("CreateShell() error: %v", err)
	}
	readUntil(t, shell.Stdout(), "PTY:true", 2*time.Second)

	if ok := s.SendInput([]byte("hello")); !ok {
		t.Fatal("SendInput() = false, want true")
	}
	readUntil(t, shell.Stdout(), "echo:hello", 2*time.Second)

	if got := s.Info().BytesSent; got != int64(len("hello")) {
		t.Errorf("BytesSent = %d, want %d", got, len("hello"))
	}
}

func TestTallyOutput_CountsAndTouches(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	before := s.LastActivity()
	time.Sleep(5 * time.Millisecond)
	s.TallyOutput(128)
	s.TallyOutput(64)

	if got := s.Info().BytesRecv; got != 192 {
		t.Errorf("BytesRecv = %d, want 192", got)
	}
	if !s.LastActivity().After(before) {
		t.Error("TallyOutput() did not advance activity clock")
	}
}

func TestShell_Resize(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	shell, err := s.CreateShell(80, 24)
	if err != nil {
		t.Fatalf("CreateShell() error: %v", err)
	}
	readUntil(t, shell.Stdout(), "PTY:true", 2*time.Second)

	s.Resize(120, 40)
	readUntil(t, shell.Stdout(), "resize:120x40", 2*time.Second)
}

func TestSendInput_NoShell(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if s.SendInput([]byte("data")) {
		t.Error("SendInput() without shell = true, want false")
	}
	// Resize without a shell must be a silent no-op.
	s.Resize(100, 30)
}

func TestCreateShell_DisconnectedSession(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	r.Disconnect(s.ID)

	if _, err := s.CreateShell(80, 24); err == nil {
		t.Fatal("CreateShell() on disconnected session should fail")
	}
}

func TestReleaseShell_AllowsRecreate(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	first, err := s.CreateShell(80, 24)
	if err != nil {
		t.Fatalf("CreateShell() error: %v", err)
	}
	first.Close()
	s.ReleaseShell(first)

	second, err := s.CreateShell(80, 24)
	if err != nil {
		t.Fatalf("CreateShell() after release error: %v", err)
	}
	if second == first {
		t.Error("expected a fresh shell after release")
	}
}

func TestEvictIdle_Boundary(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	stale, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	fresh, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-r.IdleTimeout - time.Second)
	stale.mu.Unlock()

	if n := r.EvictIdle(); n != 1 {
		t.Fatalf("EvictIdle() = %d, want 1", n)
	}
	if _, ok := r.Get(stale.ID); ok {
		t.Error("stale session survived eviction")
	}
	if _, ok := r.Get(fresh.ID); !ok {
		t.Error("fresh session was evicted")
	}
}

func TestEvictIdle_IdempotentWithDisconnect(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	s, err := r.Connect(context.Background(), testConfig(host, port))
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	r.Disconnect(s.ID)
	if n := r.EvictIdle(); n != 0 {
		t.Errorf("EvictIdle() after disconnect = %d, want 0", n)
	}
}

func TestTouch_Monotonic(t *testing.T) {
	s := &Session{lastActivity: time.Now().Add(time.Hour)}
	future := s.LastActivity()
	s.Touch()
	if s.LastActivity().Before(future) {
		t.Error("Touch() moved lastActivity backwards")
	}
}

func TestShutdown_DisconnectsAll(t *testing.T) {
	host, port := testSSHServer(t)
	r := NewRegistry(0)
	r.Start()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := r.Connect(context.Background(), testConfig(host, port))
		if err != nil {
			t.Fatalf("Connect(%d) error: %v", i, err)
		}
		ids = append(ids, s.ID)
	}

	r.Shutdown()
	for _, id := range ids {
		if _, ok := r.Get(id); ok {
			t.Errorf("session %s survived shutdown", id)
		}
	}
	if got := len(r.ActiveSessions()); got != 0 {
		t.Errorf("ActiveSessions() after shutdown = %d, want 0", got)
	}
}

func TestActiveSessions(t *testing.T) {
	host, port := testSSHServer(t)
	r := newTestRegistry(t)

	for i := 0; i < 2; i++ {
		if _, err := r.Connect(context.Background(), testConfig(host, port)); err != nil {
			t.Fatalf("Connect(%d) error: %v", i, err)
		}
	}

	infos := r.ActiveSessions()
	if len(infos) != 2 {
		t.Fatalf("ActiveSessions() = %d entries, want 2", len(infos))
	}
	for _, info := range infos {
		if info.Status != StatusConnected {
			t.Errorf("session %s status = %q, want connected", info.ID, info.Status)
		}
	}
}

// Package sshsession owns outbound SSH connections and their lifecycle.
//
// A Session is one authenticated SSH transport plus its optional children:
// a single PTY-backed shell and a lazily opened SFTP subsystem. The
// Registry tracks live sessions by id, drives keepalive probing, and
// evicts sessions that have been idle too long.
package sshsession

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrSessionNotFound is returned for unknown or already-gone session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrNoShell is returned when an operation requires a shell and none exists.
var ErrNoShell = errors.New("no shell for session")

// Status is the lifecycle state of a session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// AuthType selects the SSH authentication method.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Config describes an outbound SSH connection. Secret fields are dropped
// once the handshake succeeds.
type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	AuthType   string `json:"authType"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// scrub returns the config without secret material.
func (c Config) scrub() Config {
	c.Password = ""
	c.PrivateKey = ""
	c.Passphrase = ""
	return c
}

// authMethods builds the ssh.AuthMethod list for the config.
func (c Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthType {
	case AuthPassword:
		return []ssh.AuthMethod{ssh.Password(c.Password)}, nil
	case AuthKey:
		var signer ssh.Signer
		var err error
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.PrivateKey), []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", c.AuthType)
	}
}

// Shell wraps an SSH session with a PTY for interactive shell access.
type Shell struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	session *ssh.Session
}

// Write forwards input bytes to the shell's stdin.
func (s *Shell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Stdout is the shell's combined PTY output stream.
func (s *Shell) Stdout() io.Reader {
	return s.stdout
}

// Resize changes the PTY dimensions.
func (s *Shell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

// Close terminates the shell's SSH channel.
func (s *Shell) Close() error {
	return s.session.Close()
}

// Session is one outbound SSH connection and its children.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	config       Config // scrubbed after connect
	status       Status
	errText      string
	lastActivity time.Time
	connectedAt  time.Time
	bytesSent    int64
	bytesRecv    int64
	client       *ssh.Client
	shell        *Shell
	sftpClient   *sftp.Client
	keepCancel   func()

	// shellMu serializes shell creation so concurrent callers cannot
	// allocate two shells (single-shell invariant).
	shellMu sync.Mutex

	// sftpMu serializes SFTP operations on the shared subsystem handle.
	sftpMu sync.Mutex
}

// Info is the externally visible snapshot of a session.
type Info struct {
	ID           string    `json:"sessionId"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ConnectedAt  time.Time `json:"connectedAt,omitzero"`
	LastActivity time.Time `json:"lastActivityAt"`
	BytesSent    int64     `json:"bytesSent"`
	BytesRecv    int64     `json:"bytesReceived"`
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info returns a snapshot for status endpoints.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Host:         s.config.Host,
		Port:         s.config.Port,
		Username:     s.config.Username,
		Status:       s.status,
		Error:        s.errText,
		CreatedAt:    s.CreatedAt,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.lastActivity,
		BytesSent:    s.bytesSent,
		BytesRecv:    s.bytesRecv,
	}
}

// Touch advances the activity clock. lastActivity never moves backwards.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := time.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// LastActivity returns the time of the most recent read or write.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Client returns the SSH transport, or nil when not connected.
func (s *Session) Client() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Shell returns the current shell, or nil when none exists.
func (s *Session) Shell() *Shell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell
}

// markError transitions the session into the error state.
func (s *Session) markError(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusError
	s.errText = text
}

// markConnected installs the transport after a successful handshake and
// drops the secrets that got us there.
func (s *Session) markConnected(client *ssh.Client, keepCancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
	s.keepCancel = keepCancel
	s.status = StatusConnected
	s.connectedAt = time.Now()
	s.lastActivity = time.Now()
	s.config = s.config.scrub()
}

// CreateShell returns the session's shell, creating it on first use.
// Creation is single-flight: a concurrent caller blocks until the first
// attempt resolves and then shares its result.
func (s *Session) CreateShell(cols, rows int) (*Shell, error) {
	s.shellMu.Lock()
	defer s.shellMu.Unlock()

	s.mu.Lock()
	if s.shell != nil {
		shell := s.shell
		s.mu.Unlock()
		return shell, nil
	}
	client := s.client
	status := s.status
	s.mu.Unlock()

	if status != StatusConnected || client == nil {
		return nil, fmt.Errorf("session %s is %s: %w", s.ID, status, ErrNoShell)
	}

	shell, err := openShell(client, cols, rows)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.shell = shell
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return shell, nil
}

// openShell opens a PTY-backed shell channel on the transport.
func openShell(client *ssh.Client, cols, rows int) (*Shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Shell{stdin: stdin, stdout: stdout, session: session}, nil
}

// ReleaseShell drops the shell pointer after its channel ended, so a later
// CreateShell can allocate a fresh one.
func (s *Session) ReleaseShell(shell *Shell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shell == shell {
		s.shell = nil
	}
}

// Resize adjusts the PTY. It is a no-op when no shell exists.
func (s *Session) Resize(cols, rows int) {
	s.mu.Lock()
	shell := s.shell
	if now := time.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
	if shell == nil {
		return
	}
	if err := shell.Resize(cols, rows); err != nil {
		log.Printf("[session] %s resize failed: %v", s.ID, err)
	}
}

// SendInput forwards bytes to the shell. Returns false when no shell
// exists or the write fails.
func (s *Session) SendInput(data []byte) bool {
	s.mu.Lock()
	shell := s.shell
	if now := time.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
	if shell == nil {
		return false
	}
	n, err := shell.Write(data)
	if err != nil {
		log.Printf("[session] %s input write failed: %v", s.ID, err)
		return false
	}
	s.mu.Lock()
	s.bytesSent += int64(n)
	s.mu.Unlock()
	return true
}

// TallyOutput records n bytes of shell output and advances the activity
// clock.
func (s *Session) TallyOutput(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesRecv += int64(n)
	if now := time.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// EnsureSFTP opens the SFTP subsystem on first use and reuses it after.
func (s *Session) EnsureSFTP() (*sftp.Client, error) {
	s.mu.Lock()
	if s.sftpClient != nil {
		client := s.sftpClient
		s.mu.Unlock()
		return client, nil
	}
	transport := s.client
	status := s.status
	s.mu.Unlock()

	if status != StatusConnected || transport == nil {
		return nil, fmt.Errorf("session %s is %s", s.ID, status)
	}

	client, err := sftp.NewClient(transport)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}

	s.mu.Lock()
	// Another caller may have won the race; keep theirs.
	if s.sftpClient != nil {
		existing := s.sftpClient
		s.mu.Unlock()
		client.Close()
		return existing, nil
	}
	s.sftpClient = client
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return client, nil
}

// SFTPMu serializes SFTP operations against the shared subsystem handle.
func (s *Session) SFTPMu() *sync.Mutex {
	return &s.sftpMu
}

// Disconnect tears the session down: shell first, then SFTP, then the
// transport, swallowing errors from each step. Safe to call repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	shell := s.shell
	sftpClient := s.sftpClient
	client := s.client
	keepCancel := s.keepCancel
	s.shell = nil
	s.sftpClient = nil
	s.client = nil
	s.keepCancel = nil
	s.status = StatusDisconnected
	s.mu.Unlock()

	if keepCancel != nil {
		keepCancel()
	}
	if shell != nil {
		shell.Close()
	}
	if sftpClient != nil {
		sftpClient.Close()
	}
	if client != nil {
		client.Close()
	}
}

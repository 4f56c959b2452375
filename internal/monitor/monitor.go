// Package monitor samples remote host telemetry over SSH.
//
// Each probe runs short command batches through the session's transport and
// parses their textual output. Remote hosts vary wildly, so every parse is
// best-effort: numbers that fail to parse become 0, strings become "", and
// a probe that cannot run anything at all still returns a usable
// zero-valued record rather than an error.
package monitor

import (
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/yangjarod117/webssh/internal/sshsession"
)

// batchSeparator splits sub-command outputs inside one SSH exec.
const batchSeparator = "===WEBSSH-SPLIT==="

// CPUStats describes processor load and identity.
type CPUStats struct {
	UsagePercent float64 `json:"usagePercent"`
	Model        string  `json:"model"`
}

// MemoryStats describes RAM in bytes.
type MemoryStats struct {
	Total        int64   `json:"total"`
	Used         int64   `json:"used"`
	Free         int64   `json:"free"`
	Available    int64   `json:"available"`
	UsagePercent float64 `json:"usagePercent"`
}

// DiskStats describes the root filesystem in bytes.
type DiskStats struct {
	Total        int64   `json:"total"`
	Used         int64   `json:"used"`
	Free         int64   `json:"free"`
	UsagePercent float64 `json:"usagePercent"`
}

// NetworkStats holds cumulative counters for the primary interface.
type NetworkStats struct {
	RxBytes int64 `json:"rxBytes"`
	TxBytes int64 `json:"txBytes"`
}

// SystemInfo describes the host itself.
type SystemInfo struct {
	Uptime    string  `json:"uptime"`
	Load1     float64 `json:"load1"`
	Load5     float64 `json:"load5"`
	Load15    float64 `json:"load15"`
	Hostname  string  `json:"hostname"`
	OS        string  `json:"os"`
	OSVersion string  `json:"osVersion"`
	Kernel    string  `json:"kernel"`
}

// Snapshot is one full telemetry sample.
type Snapshot struct {
	CPU       CPUStats     `json:"cpu"`
	Memory    MemoryStats  `json:"memory"`
	Disk      DiskStats    `json:"disk"`
	Network   NetworkStats `json:"network"`
	System    SystemInfo   `json:"system"`
	Timestamp int64        `json:"timestamp"` // milliseconds since epoch
}

// Process is one row of the memory-sorted process table.
type Process struct {
	PID        int     `json:"pid"`
	User       string  `json:"user"`
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float64 `json:"memPercent"`
	Command    string  `json:"command"`
}

// LoginRecord is one entry of the host's login history.
type LoginRecord struct {
	User          string `json:"user"`
	SourceAddress string `json:"sourceAddress"`
	Timestamp     string `json:"timestamp"`
	Duration      string `json:"duration"`
	Status        string `json:"status"` // "success", "failed", "current"
}

// Probe runs telemetry commands against sessions in the registry.
type Probe struct {
	registry *sshsession.Registry
}

// NewProbe creates a Probe over the given registry.
func NewProbe(registry *sshsession.Registry) *Probe {
	return &Probe{registry: registry}
}

// client resolves the SSH transport for a session id.
func (p *Probe) client(sessionID string) (*ssh.Client, error) {
	s, ok := p.registry.Get(sessionID)
	if !ok {
		return nil, sshsession.ErrSessionNotFound
	}
	client := s.Client()
	if client == nil {
		return nil, sshsession.ErrSessionNotFound
	}
	return client, nil
}

// run executes one command line over a fresh SSH exec channel. A non-zero
// exit still yields whatever output was produced; only transport-level
// failures return an error.
func run(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	if err != nil {
		if _, ok := err.(*ssh.ExitError); !ok {
			return "", err
		}
	}
	return string(out), nil
}

// Snapshot samples cpu, memory, disk, network, and system identity in four
// command batches. It never fails: when a session id is unknown that error
// is reported, but any command or parse failure degrades to zero values.
func (p *Probe) Snapshot(sessionID string) (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now().UnixMilli()}

	client, err := p.client(sessionID)
	if err != nil {
		return snap, err
	}

	batches := []struct {
		cmd   string
		parse func(parts []string, snap *Snapshot)
	}{
		{
			cmd: "top -bn1 | head -5; echo " + batchSeparator + "; grep -m1 'model name' /proc/cpuinfo",
			parse: func(parts []string, snap *Snapshot) {
				snap.CPU = parseCPU(parts)
			},
		},
		{
			cmd: "free -b; echo " + batchSeparator + "; df -B1 /",
			parse: func(parts []string, snap *Snapshot) {
				if len(parts) > 0 {
					snap.Memory = parseMemory(parts[0])
				}
				if len(parts) > 1 {
					snap.Disk = parseDisk(parts[1])
				}
			},
		},
		{
			cmd: "cat /proc/net/dev",
			parse: func(parts []string, snap *Snapshot) {
				if len(parts) > 0 {
					snap.Network = parseNetwork(parts[0])
				}
			},
		},
		{
			cmd: "uptime; echo " + batchSeparator +
				"; hostname; echo " + batchSeparator +
				"; uname -r; echo " + batchSeparator +
				"; cat /etc/os-release; echo " + batchSeparator +
				"; cat /proc/loadavg",
			parse: func(parts []string, snap *Snapshot) {
				snap.System = parseSystem(parts)
			},
		},
	}

	for _, b := range batches {
		out, err := run(client, b.cmd)
		if err != nil {
			log.Printf("[monitor] session %s probe command failed: %v", sessionID, err)
			continue
		}
		b.parse(splitBatch(out), &snap)
	}
	return snap, nil
}

// splitBatch separates the outputs of a compound command on the marker.
func splitBatch(out string) []string {
	parts := strings.Split(out, batchSeparator)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// TopProcesses returns the up-to-10 largest processes by memory share.
func (p *Probe) TopProcesses(sessionID string) ([]Process, error) {
	client, err := p.client(sessionID)
	if err != nil {
		return nil, err
	}

	out, err := run(client, "ps aux --sort=-%mem | head -11")
	if err != nil {
		log.Printf("[monitor] session %s process probe failed: %v", sessionID, err)
		return []Process{}, nil
	}
	return parseProcesses(out), nil
}

// loginSources are tried in order; the first source whose output parses
// into at least one record wins.
var loginSources = []string{
	"wtmpdb last 2>/dev/null",
	"last -n 50 -F 2>/dev/null",
	"last -n 50 2>/dev/null",
	"last 2>/dev/null",
	"lastlog 2>/dev/null",
	"tail -n 50 /var/log/auth.log 2>/dev/null || tail -n 50 /var/log/secure 2>/dev/null",
	"journalctl -u sshd -n 50 --no-pager 2>/dev/null || journalctl -u ssh -n 50 --no-pager 2>/dev/null",
}

// LoginHistory collects recent logins. Sources fall through silently; the
// output of who is always merged in, marking those users as current.
// When every source fails the result is an empty list.
func (p *Probe) LoginHistory(sessionID string) ([]LoginRecord, error) {
	client, err := p.client(sessionID)
	if err != nil {
		return nil, err
	}

	var records []LoginRecord
	for _, src := range loginSources {
		out, err := run(client, src)
		if err != nil {
			continue
		}
		if parsed := parseLoginSource(src, out); len(parsed) > 0 {
			records = parsed
			break
		}
	}

	if out, err := run(client, "who"); err == nil {
		records = mergeWho(records, parseWho(out))
	}
	if records == nil {
		records = []LoginRecord{}
	}
	return records, nil
}

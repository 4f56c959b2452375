package monitor

import (
	"regexp"
	"strconv"
	"strings"
)

// Every parser here tolerates missing or mangled input. Captures that fail
// yield the type's zero value, never an error.

var (
	cpuIdleRe  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%?\s*id`)
	cpuModelRe = regexp.MustCompile(`model name\s*:\s*(.+)`)

	memRe  = regexp.MustCompile(`(?m)^Mem:\s+(\d+)\s+(\d+)\s+(\d+)\s+\d+\s+\d+\s+(\d+)`)
	diskRe = regexp.MustCompile(`(?m)^\S+\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)%`)

	netIfaceRe = regexp.MustCompile(`(?m)^\s*([a-zA-Z0-9@._-]+):\s*(\d+)(?:\s+\d+){7}\s+(\d+)`)

	uptimeRe    = regexp.MustCompile(`up\s+(.+?),\s+\d+\s+user`)
	osNameRe    = regexp.MustCompile(`(?m)^NAME="?([^"\n]+)"?`)
	osVersionRe = regexp.MustCompile(`(?m)^VERSION_ID="?([^"\n]+)"?`)

	authLogRe = regexp.MustCompile(`^(\w{3}\s+\d+\s+[\d:]+).*?(Accepted|Failed)\s+\S+\s+for\s+(?:invalid user\s+)?(\S+)\s+from\s+(\S+)`)
	whoRe     = regexp.MustCompile(`^(\S+)\s+\S+\s+(\S+\s+\S+)(?:\s+\((.+)\))?`)
)

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseCPU reads usage from top's idle figure and the model string from
// /proc/cpuinfo.
func parseCPU(parts []string) CPUStats {
	var stats CPUStats
	if len(parts) > 0 {
		if m := cpuIdleRe.FindStringSubmatch(parts[0]); m != nil {
			idle := parseFloat(m[1])
			if idle >= 0 && idle <= 100 {
				stats.UsagePercent = 100 - idle
			}
		}
	}
	if len(parts) > 1 {
		if m := cpuModelRe.FindStringSubmatch(parts[1]); m != nil {
			stats.Model = strings.TrimSpace(m[1])
		}
	}
	return stats
}

// parseMemory reads the Mem: row of free -b.
func parseMemory(out string) MemoryStats {
	var stats MemoryStats
	m := memRe.FindStringSubmatch(out)
	if m == nil {
		return stats
	}
	stats.Total = parseInt(m[1])
	stats.Used = parseInt(m[2])
	stats.Free = parseInt(m[3])
	stats.Available = parseInt(m[4])
	if stats.Total > 0 {
		stats.UsagePercent = float64(stats.Used) / float64(stats.Total) * 100
	}
	return stats
}

// parseDisk reads the data row of df -B1 /.
func parseDisk(out string) DiskStats {
	var stats DiskStats
	m := diskRe.FindStringSubmatch(out)
	if m == nil {
		return stats
	}
	stats.Total = parseInt(m[1])
	stats.Used = parseInt(m[2])
	stats.Free = parseInt(m[3])
	stats.UsagePercent = parseFloat(m[4])
	return stats
}

// parseNetwork picks the first interface in /proc/net/dev that is not
// loopback and has moved traffic; falls back to the first non-loopback.
func parseNetwork(out string) NetworkStats {
	var fallback NetworkStats
	haveFallback := false
	for _, m := range netIfaceRe.FindAllStringSubmatch(out, -1) {
		iface := m[1]
		if iface == "lo" {
			continue
		}
		stats := NetworkStats{RxBytes: parseInt(m[2]), TxBytes: parseInt(m[3])}
		if stats.RxBytes > 0 || stats.TxBytes > 0 {
			return stats
		}
		if !haveFallback {
			fallback = stats
			haveFallback = true
		}
	}
	return fallback
}

// parseSystem assembles host identity from the system batch: uptime,
// hostname, uname -r, /etc/os-release, /proc/loadavg — in that order.
func parseSystem(parts []string) SystemInfo {
	var info SystemInfo
	if len(parts) > 0 {
		if m := uptimeRe.FindStringSubmatch(parts[0]); m != nil {
			info.Uptime = strings.TrimSpace(m[1])
		} else {
			info.Uptime = strings.TrimSpace(parts[0])
		}
	}
	if len(parts) > 1 {
		info.Hostname = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		info.Kernel = strings.TrimSpace(parts[2])
	}
	if len(parts) > 3 {
		if m := osNameRe.FindStringSubmatch(parts[3]); m != nil {
			info.OS = m[1]
		}
		if m := osVersionRe.FindStringSubmatch(parts[3]); m != nil {
			info.OSVersion = m[1]
		}
	}
	if len(parts) > 4 {
		fields := strings.Fields(parts[4])
		if len(fields) >= 3 {
			info.Load1 = parseFloat(fields[0])
			info.Load5 = parseFloat(fields[1])
			info.Load15 = parseFloat(fields[2])
		}
	}
	return info
}

// parseProcesses reads ps aux output, skipping the header and tolerating
// irregular spacing. Commands are truncated to 20 characters.
func parseProcesses(out string) []Process {
	procs := []Process{}
	for i, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 11 {
			continue
		}
		if i == 0 && strings.EqualFold(fields[0], "USER") {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		command := strings.Join(fields[10:], " ")
		if len(command) > 20 {
			command = command[:20]
		}
		procs = append(procs, Process{
			PID:        pid,
			User:       fields[0],
			CPUPercent: parseFloat(fields[2]),
			MemPercent: parseFloat(fields[3]),
			Command:    command,
		})
		if len(procs) == 10 {
			break
		}
	}
	return procs
}

// parseLoginSource dispatches a source's output to its parser.
func parseLoginSource(src, out string) []LoginRecord {
	switch {
	case strings.Contains(src, "lastlog"):
		return parseLastlog(out)
	case strings.Contains(src, "auth.log"), strings.Contains(src, "secure"), strings.Contains(src, "journalctl"):
		return parseAuthLog(out)
	default:
		return parseLast(out)
	}
}

// parseLast handles wtmpdb last and classic last output.
func parseLast(out string) []LoginRecord {
	var records []LoginRecord
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, " ")
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		user := fields[0]
		if user == "reboot" || user == "shutdown" || user == "wtmp" || user == "btmp" ||
			strings.HasPrefix(line, "wtmp begins") || strings.HasPrefix(line, "btmp begins") {
			continue
		}

		rec := LoginRecord{User: user, Status: "success"}
		rest := fields[2:]
		// The third column is a source host when present; ttys never
		// contain dots or colons while hosts and addresses usually do.
		if strings.ContainsAny(fields[2], ".:") {
			rec.SourceAddress = fields[2]
			rest = fields[3:]
		}

		tail := strings.Join(rest, " ")
		if strings.Contains(tail, "still logged in") {
			rec.Status = "current"
			rec.Timestamp = strings.TrimSpace(strings.Split(tail, "still logged in")[0])
			rec.Timestamp = strings.TrimRight(rec.Timestamp, "- ")
		} else if idx := strings.Index(tail, " - "); idx >= 0 {
			rec.Timestamp = strings.TrimSpace(tail[:idx])
			if open := strings.LastIndex(tail, "("); open >= 0 {
				rec.Duration = strings.TrimRight(tail[open+1:], ")")
			}
		} else {
			rec.Timestamp = strings.TrimSpace(tail)
		}
		if rec.Timestamp == "" {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// parseLastlog reads lastlog rows, dropping users that never logged in.
func parseLastlog(out string) []LoginRecord {
	var records []LoginRecord
	for i, line := range strings.Split(out, "\n") {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		if strings.Contains(line, "Never logged in") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		rec := LoginRecord{User: fields[0], Status: "success"}
		rest := fields[1:]
		if strings.ContainsAny(rest[0], ".:") {
			// No port column; first field is already the source.
			rec.SourceAddress = rest[0]
			rest = rest[1:]
		} else if len(rest) > 1 && strings.ContainsAny(rest[1], ".:") {
			rec.SourceAddress = rest[1]
			rest = rest[2:]
		} else {
			rest = rest[1:]
		}
		rec.Timestamp = strings.Join(rest, " ")
		if rec.Timestamp == "" {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// parseAuthLog reads sshd lines from auth.log, secure, or journalctl.
func parseAuthLog(out string) []LoginRecord {
	var records []LoginRecord
	for _, line := range strings.Split(out, "\n") {
		m := authLogRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		status := "success"
		if m[2] == "Failed" {
			status = "failed"
		}
		records = append(records, LoginRecord{
			User:          m[3],
			SourceAddress: m[4],
			Timestamp:     m[1],
			Status:        status,
		})
	}
	return records
}

// parseWho reads current sessions from who.
func parseWho(out string) []LoginRecord {
	var records []LoginRecord
	for _, line := range strings.Split(out, "\n") {
		m := whoRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		records = append(records, LoginRecord{
			User:          m[1],
			SourceAddress: m[3],
			Timestamp:     m[2],
			Status:        "current",
		})
	}
	return records
}

// mergeWho folds current sessions into the history: records for users seen
// in who are tagged current, new entries are appended, and exact duplicates
// collapse.
func mergeWho(history, current []LoginRecord) []LoginRecord {
	active := make(map[string]bool, len(current))
	for _, rec := range current {
		active[rec.User] = true
	}
	for i := range history {
		if active[history[i].User] && history[i].Status == "success" {
			history[i].Status = "current"
		}
	}

	seen := make(map[string]bool, len(history))
	for _, rec := range history {
		seen[rec.User+"|"+rec.Timestamp] = true
	}
	for _, rec := range current {
		key := rec.User + "|" + rec.Timestamp
		if seen[key] {
			continue
		}
		seen[key] = true
		history = append(history, rec)
	}
	return history
}

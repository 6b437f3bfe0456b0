package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DaemonRecord describes one backgrounded gateway process.
type DaemonRecord struct {
	Name      string `json:"name"`
	PID       int    `json:"pid"`
	AgentType string `json:"type,omitempty"`
	WorkDir   string `json:"workDir,omitempty"`
	GatewayID string `json:"gatewayId,omitempty"`
	LogPath   string `json:"logPath,omitempty"`
	StartedAt string `json:"startedAt"`
}

func daemonDir() string {
	return filepath.Join(Dir(), "daemons")
}

func daemonPath(name string) string {
	return filepath.Join(daemonDir(), name+".json")
}

// SaveDaemon records a backgrounded gateway process.
func SaveDaemon(rec DaemonRecord) error {
	if err := os.MkdirAll(daemonDir(), 0o700); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}
	if rec.StartedAt == "" {
		rec.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(daemonPath(rec.Name), data, 0o600)
}

// LoadDaemon reads one daemon record. Returns nil when absent.
func LoadDaemon(name string) (*DaemonRecord, error) {
	data, err := os.ReadFile(daemonPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec DaemonRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse daemon record: %w", err)
	}
	return &rec, nil
}

// ListDaemons returns all recorded daemons.
func ListDaemons() ([]DaemonRecord, error) {
	entries, err := os.ReadDir(daemonDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var recs []DaemonRecord
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := LoadDaemon(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || rec == nil {
			continue
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

// RemoveDaemon deletes a daemon record.
func RemoveDaemon(name string) error {
	err := os.Remove(daemonPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// DaemonAlive reports whether the recorded process is still running AND
// still looks like an agentim process. A recycled PID belonging to some
// other program is reported dead; the record must never cause a signal
// to a process we did not start.
func DaemonAlive(rec *DaemonRecord) bool {
	if rec == nil || rec.PID <= 0 {
		return false
	}
	if err := syscall.Kill(rec.PID, 0); err != nil {
		return false
	}
	return cmdlineLooksOurs(rec.PID)
}

func cmdlineLooksOurs(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		// No procfs (non-Linux): the liveness signal has to do.
		return true
	}
	return strings.Contains(string(data), "agentim")
}

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gopsutilprocess "github.com/shirou/gopsutil/v3/process"
)

// LockInfo is the JSON body of a lock file: who holds it and since when.
type LockInfo struct {
	AcquiredAt time.Time `json:"acquired_at"`
	Owner      string    `json:"owner,omitempty"`
	PID        int       `json:"pid"`
}

// FileLock is an advisory, file-based lock. A lock is reclaimed
// automatically iff its recorded PID is not a live process.
type FileLock struct {
	path string
}

// NewFileLock returns a lock bound to path; the lock is not acquired yet.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryAcquire attempts to take the lock. It succeeds immediately if no lock
// file exists, or if the existing lock's PID is no longer alive. It fails if
// a live process holds the lock.
func (l *FileLock) TryAcquire(owner string) (bool, error) {
	info, err := l.Inspect()
	if err != nil {
		return false, err
	}
	if info != nil && pidAlive(info.PID) {
		return false, nil
	}

	body := LockInfo{
		PID:        os.Getpid(),
		Owner:      owner,
		AcquiredAt: time.Now(),
	}
	if err := WriteJSONAtomic(l.path, body); err != nil {
		return false, fmt.Errorf("write lock %s: %w", l.path, err)
	}
	return true, nil
}

// Release removes the lock file. Removing an already-absent lock is not an
// error.
func (l *FileLock) Release() error {
	if err := os.Remove(l.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// Inspect returns the current lock contents, or nil if no lock file exists.
func (l *FileLock) Inspect() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock %s: %w", l.path, err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock %s: %w", l.path, err)
	}
	return &info, nil
}

// ReclaimIfStale removes the lock file when its owning PID is not alive,
// regardless of age; liveness, not a timeout, is the source of truth.
func (l *FileLock) ReclaimIfStale() error {
	info, err := l.Inspect()
	if err != nil {
		return err
	}
	if info == nil || pidAlive(info.PID) {
		return nil
	}
	return l.Release()
}

// pidAlive uses gopsutil's process table lookup rather than the
// os.FindProcess + Signal(nil) idiom, which on many platforms always
// succeeds for recently-exited PIDs and so cannot be trusted to detect a
// dead process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := gopsutilprocess.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return alive
}

// AgentLockPath returns the canonical lock path for an agent name under runDir.
func AgentLockPath(runDir, agentName string) string {
	return filepath.Join(runDir, agentName+".lock")
}

// AgentPIDPath returns the canonical pid-file path for an agent name under runDir.
func AgentPIDPath(runDir, agentName string) string {
	return filepath.Join(runDir, agentName+".pid")
}

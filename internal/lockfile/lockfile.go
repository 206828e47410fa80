// Package lockfile keeps two lead agent processes from sharing one state
// directory. The directory holds the SQLite database and the WhatsApp
// session, and neither tolerates concurrent writers from separate processes.
//
// The lock is an flock(2) on a file inside the directory, so the kernel
// releases it when the holder exits, cleanly or not.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the state directory.
const LockFileName = "leadagent.lock"

// ErrLocked is matched by errors.Is when another process holds the lock.
var ErrLocked = errors.New("state directory is locked")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID       int
	Command   string
	StartedAt time.Time
	Running   bool
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown process"
	}
	state := "running"
	if !h.Running {
		state = "not running, stale lock"
	}
	s := fmt.Sprintf("pid %d (%s)", h.PID, state)
	if h.Command != "" {
		s += " command=" + h.Command
	}
	if !h.StartedAt.IsZero() {
		s += " since " + h.StartedAt.Format(time.RFC3339)
	}
	return s
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock on stateDir for the given command name, creating
// the directory when needed. It never blocks.
func Acquire(stateDir, command string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's details before we know we own the lock.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		holder := ReadHolder(path)
		slog.Error("lockfile.Acquire: state directory busy", "path", path, "holder", holder.String())
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	if err := writeHolder(f, command); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}
	slog.Debug("lockfile.Acquire: locked", "path", path, "pid", os.Getpid(), "command", command)
	return &Lock{file: f, path: path}, nil
}

func writeHolder(f *os.File, command string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\ncommand=%s\nstarted_at=%s\n",
		os.Getpid(), command, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeHolder: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	// Remove before unlocking so a new holder never has its file deleted.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove lock file: %w", err))
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock file: %w", err))
	}
	l.file = nil
	slog.Debug("lockfile.Release: released", "path", l.path)
	return errors.Join(errs...)
}

// LockError reports a lock held by another process.
type LockError struct {
	Path   string
	Holder Holder
	Cause  error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another leadagent process is using this state directory (lock %s, held by %s)", e.Path, e.Holder)
	if e.Holder.PID != 0 && !e.Holder.Running {
		fmt.Fprintf(&b, "; the holder is gone, remove %s and retry", e.Path)
	}
	return b.String()
}

func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

// ReadHolder parses the lock file at path. Missing or malformed fields are
// left zero.
func ReadHolder(path string) Holder {
	f, err := os.Open(path)
	if err != nil {
		return Holder{}
	}
	defer f.Close()
	return parseHolder(bufio.NewScanner(f))
}

func parseHolder(sc *bufio.Scanner) Holder {
	var h Holder
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "command":
			h.Command = value
		case "started_at":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.StartedAt = t
			}
		}
	}
	if h.PID != 0 {
		h.Running = processAlive(h.PID)
	}
	return h
}

// processAlive sends signal 0, which checks existence without delivering anything.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

package instance

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/errors"
)

// Lock is an exclusive file lock held for the life of the daemon. The file
// sits next to the database and carries "pid instance-id" so an operator
// can see who owns it.
type Lock struct {
	path   string
	logger *zap.SugaredLogger
}

// Acquire takes the lock or reports who holds it. A lock whose owning pid
// no longer exists is stale, since a crash never releases the file, and is
// taken over.
func Acquire(path, instanceID string, logger *zap.SugaredLogger) (*Lock, error) {
	for tries := 0; tries < 2; tries++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			if _, err := fmt.Fprintf(f, "%d %s\n", os.Getpid(), instanceID); err != nil {
				f.Close()
				os.Remove(path)
				return nil, errors.Wrapf(err, "failed to write lock file %s", path)
			}
			if err := f.Close(); err != nil {
				os.Remove(path)
				return nil, errors.Wrapf(err, "failed to write lock file %s", path)
			}
			return &Lock{path: path, logger: logger}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "failed to create lock file %s", path)
		}

		pid, owner, rerr := readLock(path)
		if rerr != nil {
			return nil, rerr
		}
		if pid > 0 && pidAlive(pid) {
			return nil, errors.Wrapf(errors.ErrAlreadyRunning,
				"pid %d (instance %s) holds %s", pid, owner, path)
		}

		logger.Warnw("Taking over stale lock", "path", path, "dead_pid", pid)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to remove stale lock")
		}
		// Loop once more; O_EXCL decides if a rival got there first
	}
	return nil, errors.Wrapf(errors.ErrAlreadyRunning, "could not acquire %s", path)
}

// readLock parses "pid instance-id" out of an existing lock file. Anything
// unreadable counts as stale.
func readLock(path string) (int, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, "", nil // lost a race with the owner's shutdown
		}
		return 0, "", errors.Wrap(err, "failed to read lock file")
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, "", nil
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", nil
	}
	owner := ""
	if len(fields) > 1 {
		owner = fields[1]
	}
	return pid, owner, nil
}

// pidAlive probes a process with signal 0. EPERM means it exists but
// belongs to someone else, which still counts as alive.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Release removes the lock file. Safe to call at shutdown even if the file
// is already gone.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warnw("Failed to remove lock file", "path", l.path, "error", err)
	}
}

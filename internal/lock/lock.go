package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/aelpxy/btrback/internal/utils"
)

// ErrLocked is returned when a lock is still held after the timeout expires.
const ErrLocked = errors.ConstError("operation in progress")

const pollInterval = 100 * time.Millisecond

// Manager hands out advisory locks keyed by an arbitrary name, typically a
// subvolume path. Each key is an flock on a file in the lock directory, so
// locks are visible across processes and die with their holder. The file
// records the holder's pid for diagnostics only.
type Manager struct {
	lockDir string

	mu   sync.Mutex
	held map[string]*os.File
}

func NewManager(lockDir string) (*Manager, error) {
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, errors.Annotatef(err, "failed to create lock directory %s", lockDir)
	}
	return &Manager{lockDir: lockDir, held: make(map[string]*os.File)}, nil
}

func (m *Manager) lockFile(key string) string {
	return filepath.Join(m.lockDir, utils.SanitizeKey(key)+".lock")
}

// TryLock blocks until the lock for key is acquired or timeout elapses.
func (m *Manager) TryLock(key string, timeout time.Duration) error {
	lockFile := m.lockFile(key)
	deadline := time.Now().Add(timeout)

	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Annotatef(err, "failed to open lock %s", lockFile)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			f.Close()
			return errors.Annotatef(err, "failed to lock %s", lockFile)
		}
		if time.Now().After(deadline) {
			f.Close()
			holder := "another process"
			if pid, ok := readPid(lockFile); ok {
				holder = "pid " + strconv.Itoa(pid)
			}
			return errors.WithType(errors.Errorf("%s is locked by %s, please wait", key, holder), ErrLocked)
		}
		time.Sleep(pollInterval)
	}

	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
	}

	m.mu.Lock()
	m.held[key] = f
	m.mu.Unlock()
	log.WithField("key", key).Debug("lock acquired")
	return nil
}

// Unlock releases a lock taken by this manager. The lock file stays in
// place: removing it would let a waiter lock an unlinked inode.
func (m *Manager) Unlock(key string) {
	m.mu.Lock()
	f, ok := m.held[key]
	delete(m.held, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	f.Truncate(0)
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

// IsLocked reports whether any process currently holds the lock for key.
func (m *Manager) IsLocked(key string) bool {
	f, err := os.Open(m.lockFile(key))
	if err != nil {
		return false
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return err == unix.EWOULDBLOCK
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

func readPid(lockFile string) (int, bool) {
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Package singleton implements the gateway's leader-election lock: one
// process per data directory becomes the Singleton (leader); all others
// become Clients attached to the leader's local socket.
//
// Grounded on original_source/singleton.rs and file_lock.rs: an exclusive
// advisory lock on a one-byte prefix of the lock file decides leadership;
// the record written past that prefix ({socket_path, pid}) lets followers
// find and dial the leader's socket.
package singleton

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// lockedPrefixBytes is the region flock'd to decide leadership. POSIX does
// not need a reserved byte the way Windows' LockFileEx does, but keeping a
// named constant documents the on-disk layout original_source relies on.
const lockedPrefixBytes = 1

// lockFileMatter is the record a leader writes past the locked prefix.
type lockFileMatter struct {
	SocketPath string `json:"socket_path"`
	PID        int    `json:"pid"`
}

// Server is the result of acquire() when this process became the leader.
type Server struct {
	lockFile   *os.File
	lockPath   string
	SocketPath string
	listener   net.Listener
}

// Listener returns the leader's accept socket.
func (s *Server) Listener() net.Listener { return s.listener }

// Close releases the lock and removes the lock file, mirroring
// original_source's Drop impl for SingletonServer.
func (s *Server) Close() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.lockFile != nil {
		_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
		_ = s.lockFile.Close()
	}
	return os.Remove(s.lockPath)
}

// Client is the result of acquire() when another process already leads.
type Client struct {
	Conn net.Conn
}

// Result is either a Server (this process leads) or a Client (attached to
// an existing leader).
type Result struct {
	Server *Server
	Client *Client
}

// Acquire opens lockFilePath read/write (creating as needed) and attempts
// an exclusive, non-blocking flock on its first byte. On success it becomes
// the leader: it writes its own lockFileMatter record and starts listening
// on a fresh unix-domain socket. On failure it reads the existing record and
// tries to connect to the leader's socket, retrying up to 5 times at 500ms;
// if the leader's PID has exited before a connection succeeds, it returns
// an Unavailable-kind error so the caller can retry acquisition from scratch.
func Acquire(lockFilePath string) (*Result, error) {
	f, err := os.OpenFile(lockFilePath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "open lock file", err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		srv, err := becomeLeader(f, lockFilePath)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return &Result{Server: srv}, nil
	}
	if err != unix.EWOULDBLOCK {
		_ = f.Close()
		return nil, xerrors.Wrap(xerrors.Transport, "flock lock file", err)
	}

	defer f.Close()
	matter, rerr := readMatter(f)
	if rerr != nil {
		return nil, xerrors.Wrap(xerrors.Corrupt, "read lock record", rerr)
	}

	conn, cerr := attachToLeader(matter)
	if cerr != nil {
		return nil, cerr
	}
	return &Result{Client: &Client{Conn: conn}}, nil
}

func becomeLeader(f *os.File, lockPath string) (*Server, error) {
	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("gatewayd-%s.sock", uuid.NewString()))
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "listen singleton socket", err)
	}

	matter := lockFileMatter{SocketPath: socketPath, PID: os.Getpid()}
	if err := writeMatter(f, matter); err != nil {
		_ = ln.Close()
		return nil, err
	}

	return &Server{lockFile: f, lockPath: lockPath, SocketPath: socketPath, listener: ln}, nil
}

func writeMatter(f *os.File, m lockFileMatter) error {
	b, err := json.Marshal(m)
	if err != nil {
		return xerrors.Wrap(xerrors.Corrupt, "encode lock record", err)
	}
	if _, err := f.Seek(lockedPrefixBytes, 0); err != nil {
		return xerrors.Wrap(xerrors.Transport, "seek lock file", err)
	}
	if err := f.Truncate(lockedPrefixBytes); err != nil {
		return xerrors.Wrap(xerrors.Transport, "truncate lock file", err)
	}
	if _, err := f.Seek(lockedPrefixBytes, 0); err != nil {
		return xerrors.Wrap(xerrors.Transport, "seek lock file", err)
	}
	if _, err := f.Write(b); err != nil {
		return xerrors.Wrap(xerrors.Transport, "write lock record", err)
	}
	return f.Sync()
}

func readMatter(f *os.File) (lockFileMatter, error) {
	var m lockFileMatter
	b, err := os.ReadFile(f.Name())
	if err != nil {
		return m, err
	}
	if len(b) <= lockedPrefixBytes {
		return m, fmt.Errorf("lock record empty")
	}
	if err := json.Unmarshal(b[lockedPrefixBytes:], &m); err != nil {
		return m, err
	}
	return m, nil
}

const (
	connectRetries = 5
	connectDelay   = 500 * time.Millisecond
)

// attachToLeader retries dialing the leader's socket, giving up early if
// the leader's process has already exited.
func attachToLeader(m lockFileMatter) (net.Conn, error) {
	for i := 0; i < connectRetries; i++ {
		conn, err := net.Dial("unix", m.SocketPath)
		if err == nil {
			return conn, nil
		}
		if !processAlive(m.PID) {
			return nil, xerrors.New(xerrors.Unavailable, "leader process exited before connect")
		}
		time.Sleep(connectDelay)
	}
	return nil, xerrors.New(xerrors.Timeout, "could not connect to leader socket")
}

// DialExisting attaches to an already-running leader without attempting to
// acquire the lock itself — used by one-shot CLI commands (status, prune)
// that should never become the leader just to ask it a question. Returns a
// NotFound-kind error if no lock file exists or its leader is unreachable.
func DialExisting(lockFilePath string) (net.Conn, error) {
	b, err := os.ReadFile(lockFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.New(xerrors.NotFound, "no gateway is running")
		}
		return nil, xerrors.Wrap(xerrors.Transport, "read lock file", err)
	}
	if len(b) <= lockedPrefixBytes {
		return nil, xerrors.New(xerrors.NotFound, "no gateway is running")
	}
	var matter lockFileMatter
	if err := json.Unmarshal(b[lockedPrefixBytes:], &matter); err != nil {
		return nil, xerrors.Wrap(xerrors.Corrupt, "parse lock record", err)
	}
	conn, err := net.Dial("unix", matter.SocketPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.NotFound, "no gateway is running", err)
	}
	return conn, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On POSIX, FindProcess always succeeds; signal 0 probes liveness
	// without actually delivering anything.
	return proc.Signal(unix.Signal(0)) == nil
}

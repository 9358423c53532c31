//go:build unix

package solo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/rkt/rkt/pkg/lock"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// maxSockPathLen leaves room under sun_path, which is 104 bytes on darwin and
// 108 on linux.
const maxSockPathLen = 100

func init() {
	backends[BackendLockfile] = func(c *config) Channel {
		return &lockfileChannel{c: c, dir: lockfileDir(c.dir)}
	}
}

func lockfileDir(dir string) string {
	if dir != "" {
		return dir
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "solo")
	}
	return filepath.Join(os.TempDir(), "solo-"+strconv.Itoa(os.Getuid()))
}

// lockfileChannel owns a channel by holding an exclusive lock on
// {dir}/{name}.lock, and accepts handoffs on {dir}/{name}.sock.
// The lock, not the socket, decides ownership: the socket of a crashed owner
// can linger, but its lock is released by the kernel.
type lockfileChannel struct {
	c   *config
	dir string
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

func (f *lockfileChannel) paths(name ChannelName) (lockPath, sockPath string) {
	base := string(name)
	if len(filepath.Join(f.dir, base+".sock")) > maxSockPathLen {
		sum := sha256.Sum256([]byte(name))
		base = hex.EncodeToString(sum[:12])
	}
	return filepath.Join(f.dir, base+".lock"), filepath.Join(f.dir, base+".sock")
}

func (f *lockfileChannel) TryAcquire(name ChannelName) (Token, error) {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "could not create %s", f.dir)
	}
	lockPath, sockPath := f.paths(name)
	l := f.c.l.New("lock", lockPath)
	if err := touchFile(lockPath); err != nil {
		return nil, errors.Wrapf(err, "could not create lock file")
	}

	fl, err := tryLock(lockPath)
	if err == lock.ErrLocked {
		return nil, ErrAlreadyOwned
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not lock %s", lockPath)
	}
	l.Debug("took lock on channel")

	pid := f.c.os.Getpid()
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(pid)), 0600); err != nil {
		fl.Close()
		return nil, errors.Wrap(err, "could not record owner pid")
	}

	// a socket left by an owner that crashed
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		os.Truncate(lockPath, 0)
		fl.Close()
		return nil, errors.Wrapf(err, "could not remove stale socket %s", sockPath)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		os.Truncate(lockPath, 0)
		fl.Close()
		return nil, errors.Wrapf(err, "could not listen on %s", sockPath)
	}
	ln.SetUnlinkOnClose(true)
	return &lockfileToken{ln: ln, lock: fl, lockPath: lockPath, l: l}, nil
}

// tryLock takes a non-blocking exclusive lock on path. The file is closed on
// any failure, including when someone else holds the lock.
func tryLock(path string) (*lock.FileLock, error) {
	fl, err := lock.NewLock(path, lock.RegFile)
	if err != nil {
		return nil, err
	}
	if err := fl.TryExclusiveLock(); err != nil {
		fl.Close()
		return nil, err
	}
	return fl, nil
}

// recordedOwner returns the pid written by the current owner, or 0 if none
// is recorded. The owner clears it before giving up the lock.
func recordedOwner(lockPath string) (int, error) {
	data, err := os.ReadFile(lockPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "could not read owner pid")
	}
	if len(data) == 0 {
		return 0, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Errorf("unable to parse pid out of data %q: %v", string(data), err)
	}
	return pid, nil
}

// owned reports whether a live process is recorded as the owner of the lock.
// It never touches the lock itself, so it can't get in the way of an
// acquirer.
func (f *lockfileChannel) owned(lockPath string) bool {
	pid, err := recordedOwner(lockPath)
	if err != nil || pid == 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

func (f *lockfileChannel) Send(ctx context.Context, name ChannelName, payload []byte) error {
	lockPath, sockPath := f.paths(name)
	d := &dialer{
		dial: func(ctx context.Context) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "unix", sockPath)
		},
		notListening: isUnixNotListening,
		owned:        func() bool { return f.owned(lockPath) },
		clock:        f.c.clock,
		l:            f.c.l.New("sock", sockPath),
	}
	return d.deliver(ctx, payload)
}

// Status reads the pid recorded by the owner. An owner that was killed
// leaves its pid behind, which is reported with Running false.
func (f *lockfileChannel) Status(name ChannelName) (OwnerStatus, error) {
	lockPath, _ := f.paths(name)
	pid, err := recordedOwner(lockPath)
	if err != nil {
		return OwnerStatus{}, err
	}
	if pid == 0 {
		return OwnerStatus{}, ErrNoOwner
	}
	return describeOwner(name, pid), nil
}

type lockfileToken struct {
	ln       *net.UnixListener
	lock     *lock.FileLock
	lockPath string
	l        log15.Logger
}

func (t *lockfileToken) Accept() (net.Conn, error) {
	return t.ln.Accept()
}

// Close stops accepting, clears the recorded pid and releases the lock, in
// that order, so that a new owner never finds our pid.
func (t *lockfileToken) Close() error {
	err := t.ln.Close()
	if terr := os.Truncate(t.lockPath, 0); terr != nil {
		t.l.Warn("could not clear owner pid", "err", terr)
	}
	if uerr := t.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	if cerr := t.lock.Close(); cerr != nil && err == nil {
		err = cerr
	}
	t.l.Debug("released lock on channel")
	return err
}

func (t *lockfileToken) Addr() string {
	return t.ln.Addr().String()
}

func isUnixNotListening(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT)
}

package solo

import (
	"context"
	"fmt"
	"net"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func init() {
	backends[BackendAbstract] = func(c *config) Channel {
		return &abstractChannel{c: c}
	}
}

// abstractChannel owns a channel by binding an abstract unix socket. The
// abstract namespace is shared by every user in the network namespace, so the
// uid is part of the address, and peer credentials are checked both ways: the
// owner turns away senders of another uid, and senders refuse an owner of
// another uid that bound the address first.
type abstractChannel struct {
	c *config
}

func (a *abstractChannel) addr(name ChannelName) *net.UnixAddr {
	// Go maps a leading '@' to the abstract namespace
	return &net.UnixAddr{
		Name: fmt.Sprintf("@solo/%d/%s", a.c.os.Getuid(), name),
		Net:  "unix",
	}
}

func (a *abstractChannel) TryAcquire(name ChannelName) (Token, error) {
	addr := a.addr(name)
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, ErrAlreadyOwned
		}
		return nil, errors.Wrapf(err, "could not bind %s", addr.Name)
	}
	return &abstractToken{
		ln:  ln,
		uid: a.c.os.Getuid(),
		l:   a.c.l.New("addr", addr.Name),
	}, nil
}

func (a *abstractChannel) Send(ctx context.Context, name ChannelName, payload []byte) error {
	addr := a.addr(name)
	d := &dialer{
		dial: func(ctx context.Context) (net.Conn, error) {
			var nd net.Dialer
			conn, err := nd.DialContext(ctx, "unix", addr.Name)
			if err != nil {
				return nil, err
			}
			if err := verifyPeer(conn.(*net.UnixConn), a.c.os.Getuid()); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		},
		notListening: isUnixNotListening,
		// bind and listen happen together, so a refused connection means the
		// owner is gone.
		owned: func() bool { return false },
		clock: a.c.clock,
		l:     a.c.l,
	}
	return d.deliver(ctx, payload)
}

// Status connects to the owner and asks the kernel who is on the other end.
// The owner sees an empty connection, which it ignores.
func (a *abstractChannel) Status(name ChannelName) (OwnerStatus, error) {
	addr := a.addr(name)
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		if isUnixNotListening(err) {
			return OwnerStatus{}, ErrNoOwner
		}
		return OwnerStatus{}, errors.Wrapf(err, "could not connect to %s", addr.Name)
	}
	defer conn.Close()
	if err := verifyPeer(conn, a.c.os.Getuid()); err != nil {
		return OwnerStatus{}, err
	}
	cred, err := peerCred(conn)
	if err != nil {
		return OwnerStatus{}, err
	}
	return describeOwner(name, int(cred.Pid)), nil
}

type abstractToken struct {
	ln  *net.UnixListener
	uid int
	l   log15.Logger
}

func (t *abstractToken) Accept() (net.Conn, error) {
	for {
		conn, err := t.ln.AcceptUnix()
		if err != nil {
			return nil, err
		}
		cred, err := peerCred(conn)
		if err != nil {
			t.l.Warn("could not read peer credentials, dropping connection", "err", err)
			conn.Close()
			continue
		}
		if int(cred.Uid) != t.uid {
			t.l.Warn("dropping connection from another user", "peerUID", cred.Uid, "peerPID", cred.Pid)
			conn.Close()
			continue
		}
		return conn, nil
	}
}

func (t *abstractToken) Close() error {
	return t.ln.Close()
}

func (t *abstractToken) Addr() string {
	return t.ln.Addr().String()
}

var errForeignOwner = errors.New("channel is held by another user")

// verifyPeer checks that the process at the other end of conn runs as uid.
func verifyPeer(conn *net.UnixConn, uid int) error {
	cred, err := peerCred(conn)
	if err != nil {
		return err
	}
	if int(cred.Uid) != uid {
		return errors.Wrapf(errForeignOwner, "owner uid %d, pid %d", cred.Uid, cred.Pid)
	}
	return nil
}

func peerCred(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "could not get raw connection")
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, errors.Wrap(err, "could not access socket")
	}
	if credErr != nil {
		return nil, errors.Wrap(credErr, "could not read SO_PEERCRED")
	}
	return cred, nil
}

package solo

import (
	"context"
	"net"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Backend selects the OS mechanism used to own and reach a channel.
type Backend string

const (
	// BackendAbstract uses a Linux abstract unix socket. Binding it is the
	// ownership race, and the kernel drops it when the owner exits.
	BackendAbstract Backend = "abstract"
	// BackendLockfile takes a non-blocking exclusive flock on a lock file and
	// serves a unix socket next to it.
	BackendLockfile Backend = "lockfile"
	// BackendPipe uses a named mutex for ownership and a named pipe for
	// delivery. Windows only.
	BackendPipe Backend = "pipe"
)

var (
	// ErrAlreadyOwned indicates another process owns the channel. It is the
	// expected result for every launch but the first.
	ErrAlreadyOwned = errors.New("channel is owned by another process")
	// ErrNoOwner indicates nothing owns the channel any more, typically
	// because the owner exited after we lost the race to it.
	ErrNoOwner = errors.New("channel has no owner")
	// ErrUnsupportedBackend is returned for backends not available on this
	// platform.
	ErrUnsupportedBackend = errors.New("backend not supported on this platform")
)

// Token is exclusive ownership of a channel. It is also the accepting end of
// the channel's transport. Closing it gives up ownership; if it is never
// closed, the OS releases it when the process exits.
type Token interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() string
}

// Channel is one platform's way of owning and reaching a named channel.
type Channel interface {
	// TryAcquire takes ownership of name without blocking. If another process
	// owns it, ErrAlreadyOwned is returned.
	TryAcquire(name ChannelName) (Token, error)
	// Send delivers payload to the owner of name and closes the connection. If
	// nothing owns name, ErrNoOwner is returned.
	Send(ctx context.Context, name ChannelName, payload []byte) error
}

// ownerInspector is implemented by channels that can report who owns a name.
type ownerInspector interface {
	Status(name ChannelName) (OwnerStatus, error)
}

// backends holds the constructors available on this platform; each backend
// file registers itself.
var backends = map[Backend]func(c *config) Channel{}

func newChannel(c *config) (Channel, error) {
	newFn, ok := backends[c.backend]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedBackend, "%q", c.backend)
	}
	return newFn(c), nil
}

const (
	initialDialBackoff = 5 * time.Millisecond
	maxDialBackoff     = 200 * time.Millisecond
)

// dialer delivers a payload with the retry rules shared by every backend: a
// connection refused while something still owns the channel means the owner
// is between acquiring and listening, so keep trying until ctx is done.
type dialer struct {
	dial func(ctx context.Context) (net.Conn, error)
	// notListening reports whether a dial error means nobody is accepting.
	notListening func(err error) bool
	// owned reports whether some process still holds the channel.
	owned func() bool

	clock clock.Clock
	l     log15.Logger
}

func (d *dialer) deliver(ctx context.Context, payload []byte) error {
	wait := initialDialBackoff
	for {
		conn, err := d.dial(ctx)
		if err == nil {
			return writePayload(ctx, conn, payload)
		}
		if !d.notListening(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errors.Wrap(ctxErr, err.Error())
			}
			return errors.Wrap(err, "could not connect to owner")
		}
		if !d.owned() {
			return ErrNoOwner
		}
		d.l.Debug("owner holds the channel but is not accepting yet", "retryIn", wait)
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "owner never started accepting")
		case <-d.clock.After(wait):
		}
		wait *= 2
		if wait > maxDialBackoff {
			wait = maxDialBackoff
		}
	}
}

func writePayload(ctx context.Context, conn net.Conn, payload []byte) error {
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return errors.Wrap(err, "could not set write deadline")
		}
	}
	if _, err := conn.Write(payload); err != nil {
		return errors.Wrap(err, "could not write handoff")
	}
	return nil
}

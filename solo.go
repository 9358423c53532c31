package solo

import (
	"context"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/solo/internal/proto"
	"github.com/pkg/errors"
)

const (
	// ExitInitFailed is the exit status of a launch that could neither become
	// primary nor attempt a handoff, e.g. because of an invalid version.
	ExitInitFailed = 2
	// ExitHandoffFailed is the exit status of a secondary launch that could
	// not deliver its handoff, even after retrying acquisition once.
	ExitHandoffFailed = 3
)

var (
	// ErrHandedOff is returned by Acquire on the secondary path once the
	// launch has been delivered to the primary. The caller should exit.
	ErrHandedOff = errors.New("launch handed off to the primary instance")
	// ErrHandoffFailed is the cause of errors from Acquire when this launch
	// lost the race but its handoff could not be delivered.
	ErrHandoffFailed = errors.New("could not hand off launch to the primary instance")
)

// handoffError is a failed handoff. Its cause is ErrHandoffFailed; the
// error that made it fail is kept for errors.Is and errors.As.
type handoffError struct {
	err error
}

func (e *handoffError) Error() string {
	return ErrHandoffFailed.Error() + ": " + e.err.Error()
}

func (e *handoffError) Cause() error {
	return ErrHandoffFailed
}

func (e *handoffError) Unwrap() error {
	return e.err
}

// Callback is invoked by the primary for every handoff, in arrival order, one
// at a time. args excludes the program name. focus performs the action given
// with WithFocus; calling it more than once has no further effect.
type Callback func(args []string, cwd string, focus func())

// Init makes this process the single instance of appID at version.
//
// If no compatible instance is running, Init returns the Instance now
// accepting handoffs, and cb is invoked for each later launch.
// Otherwise, Init hands this launch's arguments and working directory to the
// running instance and exits the process with status 0; if that fails it
// exits with ExitHandoffFailed. Init should be called before any other
// startup work.
func Init(appID, version string, cb Callback, opts ...Option) *Instance {
	c := newConfig(opts...)
	inst, err := acquire(context.Background(), c, appID, version, cb)
	if err == nil {
		return inst
	}
	switch errors.Cause(err) {
	case ErrHandedOff:
		c.os.Exit(0)
	case ErrHandoffFailed:
		c.l.Error("could not become primary or hand off, exiting", "err", err)
		c.os.Exit(ExitHandoffFailed)
	default:
		c.l.Error("could not initialize single instance", "err", err)
		c.os.Exit(ExitInitFailed)
	}
	return nil
}

// Acquire is Init without the exit: on the secondary path it returns
// ErrHandedOff after a successful handoff, or an error caused by
// ErrHandoffFailed. ctx bounds the handoff in addition to WithSendTimeout.
func Acquire(ctx context.Context, appID, version string, cb Callback, opts ...Option) (*Instance, error) {
	return acquire(ctx, newConfig(opts...), appID, version, cb)
}

func acquire(ctx context.Context, c *config, appID, version string, cb Callback) (*Instance, error) {
	if cb == nil {
		return nil, errors.New("callback must not be nil")
	}
	name, err := channelFor(appID, version)
	if err != nil {
		return nil, err
	}
	ch, err := newChannel(c)
	if err != nil {
		return nil, err
	}
	ln := &launch{
		c:    c,
		ch:   ch,
		name: name,
		cb:   cb,
		l:    c.l.New("channel", name, "backend", c.backend),
	}
	return ln.run(ctx)
}

// Send hands args and cwd to the running instance of appID at version
// without ever becoming primary. If no instance is running, the returned
// error is caused by ErrNoOwner.
func Send(ctx context.Context, appID, version string, args []string, cwd string, opts ...Option) error {
	c := newConfig(opts...)
	name, err := channelFor(appID, version)
	if err != nil {
		return err
	}
	ch, err := newChannel(c)
	if err != nil {
		return err
	}
	payload, err := proto.Encode(proto.Handoff{Args: args, Cwd: cwd})
	if err != nil {
		return err
	}
	ln := &launch{
		c:    c,
		ch:   ch,
		name: name,
		l:    c.l.New("channel", name, "backend", c.backend),
	}
	if err := ln.send(ctx, payload); err != ErrHandedOff {
		return err
	}
	return nil
}

func channelFor(appID, version string) (ChannelName, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return "", err
	}
	return DeriveChannelName(appID, v)
}

// launch is one attempt by this process to become primary.
type launch struct {
	c    *config
	ch   Channel
	name ChannelName
	cb   Callback
	l    log15.Logger
}

func (ln *launch) run(ctx context.Context) (*Instance, error) {
	inst, err := ln.tryAcquire()
	if err == nil {
		return inst, nil
	}
	if err != ErrAlreadyOwned {
		return nil, err
	}
	ln.l.Info("another instance owns the channel, handing off")

	payload, err := proto.Encode(ln.handoff())
	if err != nil {
		return nil, &handoffError{err: err}
	}

	err = ln.send(ctx, payload)
	if err == ErrHandedOff {
		return nil, err
	}

	// The owner went away after beating us, either before we connected or
	// while we were writing. Try to take the name once more before giving up.
	ln.l.Info("could not reach owner, retrying acquisition", "err", err)
	inst, err = ln.tryAcquire()
	if err == nil {
		return inst, nil
	}
	if err != ErrAlreadyOwned {
		return nil, &handoffError{err: err}
	}
	err = ln.send(ctx, payload)
	if err == ErrNoOwner {
		return nil, &handoffError{err: err}
	}
	return nil, err
}

// tryAcquire returns the started Instance, ErrAlreadyOwned, or another
// acquisition error.
func (ln *launch) tryAcquire() (*Instance, error) {
	token, err := ln.ch.TryAcquire(ln.name)
	if err != nil {
		if errors.Cause(err) == ErrAlreadyOwned {
			ln.c.metrics.AcquireOutcome(AcquireOutcomeAlreadyOwned)
			return nil, ErrAlreadyOwned
		}
		ln.c.metrics.AcquireOutcome(AcquireOutcomeError)
		return nil, errors.Wrap(err, "could not acquire channel")
	}
	ln.c.metrics.AcquireOutcome(AcquireOutcomeAcquired)
	ln.l.Info("became primary instance", "pid", ln.c.os.Getpid())
	inst := newInstance(ln.c, ln.l, ln.name, token, ln.cb)
	inst.start()
	return inst, nil
}

// send reports ErrHandedOff on delivery and ErrNoOwner if nothing owns the
// channel. Any other failure is caused by ErrHandoffFailed.
func (ln *launch) send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, ln.c.sendTimeout)
	defer cancel()
	err := ln.ch.Send(ctx, ln.name, payload)
	switch {
	case err == nil:
		ln.c.metrics.HandoffSent(HandoffResultDelivered)
		ln.l.Info("handed off to primary instance")
		return ErrHandedOff
	case errors.Cause(err) == ErrNoOwner:
		ln.c.metrics.HandoffSent(HandoffResultNoOwner)
		return ErrNoOwner
	default:
		ln.c.metrics.HandoffSent(HandoffResultFailed)
		ln.l.Warn("handoff failed", "err", err)
		return &handoffError{err: err}
	}
}

func (ln *launch) handoff() proto.Handoff {
	args := ln.c.args
	if args == nil && len(ln.c.os.Args()) > 1 {
		osArgs := ln.c.os.Args()
		args = append(args, osArgs[1:]...)
	}
	cwd, err := ln.c.os.Getwd()
	if err != nil {
		ln.l.Warn("could not determine working directory", "err", err)
	}
	return proto.Handoff{Args: args, Cwd: cwd}
}

package solo

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/solo/internal/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

const (
	initialAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff     = time.Second
)

// Instance is the running primary. It owns the channel and, for as long as it
// is open, invokes the callback once for every handoff received.
type Instance struct {
	name  ChannelName
	token Token
	cb    Callback
	focus func()

	readTimeout time.Duration
	clock       clock.Clock
	metrics     MetricsCollector
	l           log15.Logger

	stateLock sync.Mutex
	state     listenerState
	closeOnce sync.Once

	// doneC is closed once the accept loop has returned.
	doneC chan struct{}
}

func newInstance(c *config, l log15.Logger, name ChannelName, token Token, cb Callback) *Instance {
	return &Instance{
		name:        name,
		token:       token,
		cb:          cb,
		focus:       c.focus,
		readTimeout: c.readTimeout,
		clock:       c.clock,
		metrics:     c.metrics,
		l:           l,
		state:       listenerStateNotStarted,
		doneC:       make(chan struct{}),
	}
}

// Name returns the channel this instance owns.
func (i *Instance) Name() ChannelName {
	return i.name
}

// Done returns a channel which is closed once the instance has stopped
// accepting handoffs.
func (i *Instance) Done() <-chan struct{} {
	return i.doneC
}

// Close stops accepting handoffs and releases the channel so another process
// may become primary. It does not wait for an in-flight callback; use Done
// for that. Most applications never call Close and let process exit release
// the channel.
func (i *Instance) Close() error {
	var err error
	i.closeOnce.Do(func() {
		i.mustTransitionTo(listenerStateStopped)
		i.l.Info("closing instance, releasing channel")
		err = i.token.Close()
	})
	return err
}

func (i *Instance) transitionTo(state listenerState) error {
	i.stateLock.Lock()
	defer i.stateLock.Unlock()
	return i.state.transitionTo(state)
}

func (i *Instance) mustTransitionTo(state listenerState) {
	i.stateLock.Lock()
	defer i.stateLock.Unlock()
	if err := i.state.transitionTo(state); err != nil {
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", state, err))
	}
}

func (i *Instance) stopped() bool {
	i.stateLock.Lock()
	defer i.stateLock.Unlock()
	return i.state == listenerStateStopped
}

func (i *Instance) start() {
	i.mustTransitionTo(listenerStateListening)
	go i.serve()
}

func (i *Instance) serve() {
	defer close(i.doneC)
	i.l.Info("accepting handoffs", "addr", i.token.Addr())
	var backoff time.Duration
	for {
		conn, err := i.token.Accept()
		if err != nil {
			if i.stopped() || errors.Is(err, net.ErrClosed) {
				i.l.Info("channel closed, no longer accepting handoffs")
				// ignore error, Close may already have stopped us
				_ = i.transitionTo(listenerStateStopped)
				return
			}
			backoff *= 2
			if backoff == 0 {
				backoff = initialAcceptBackoff
			}
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			i.l.Error("error accepting handoff", "err", err, "retryIn", backoff)
			i.clock.Sleep(backoff)
			continue
		}
		backoff = 0
		i.handle(conn)
	}
}

// handle reads one handoff from conn and dispatches it. Nothing that goes
// wrong with a single connection may stop the accept loop.
func (i *Instance) handle(conn net.Conn) {
	msg, err := i.readHandoff(conn)
	conn.Close()
	if err == io.EOF {
		// a status probe, or a sender that gave up before writing
		i.l.Debug("empty connection, ignoring")
		return
	}
	if err != nil {
		i.metrics.DecodeFailure()
		i.l.Warn("dropping handoff that could not be read", "err", err)
		return
	}
	i.metrics.HandoffReceived()
	i.l.Info("received handoff", "args", msg.Args, "cwd", msg.Cwd)
	i.dispatch(msg)
}

func (i *Instance) readHandoff(conn net.Conn) (proto.Handoff, error) {
	// socket deadlines are wall clock times, whatever clock paces retries
	if err := conn.SetReadDeadline(time.Now().Add(i.readTimeout)); err != nil {
		i.l.Warn("could not set read deadline", "err", err)
	}
	return proto.ReadHandoff(conn)
}

func (i *Instance) dispatch(msg proto.Handoff) {
	defer func() {
		if r := recover(); r != nil {
			i.metrics.CallbackPanic()
			i.l.Error("handoff callback panicked", "panic", r)
		}
	}()
	i.cb(msg.Args, msg.Cwd, callOnce(i.focus))
}

func callOnce(f func()) func() {
	var once sync.Once
	return func() {
		once.Do(f)
	}
}

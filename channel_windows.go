package solo

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func init() {
	backends[BackendPipe] = func(c *config) Channel {
		return &pipeChannel{c: c}
	}
}

// pipeChannel owns a channel with a named mutex in the session namespace and
// accepts handoffs on a named pipe. The mutex is created first, so there is a
// short window where it exists but the pipe does not; senders retry through it.
type pipeChannel struct {
	c *config
}

func mutexName(name ChannelName) string {
	return `Local\solo_` + string(name)
}

func pipePath(name ChannelName) string {
	return `\\.\pipe\solo_` + string(name)
}

func (p *pipeChannel) TryAcquire(name ChannelName) (Token, error) {
	mn, err := windows.UTF16PtrFromString(mutexName(name))
	if err != nil {
		return nil, errors.Wrap(err, "invalid mutex name")
	}
	h, err := windows.CreateMutex(nil, false, mn)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, ErrAlreadyOwned
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not create mutex %s", mutexName(name))
	}

	ln, err := winio.ListenPipe(pipePath(name), nil)
	if err != nil {
		windows.CloseHandle(h)
		return nil, errors.Wrapf(err, "could not listen on %s", pipePath(name))
	}
	return &pipeToken{ln: ln, mutex: h}, nil
}

func (p *pipeChannel) owned(name ChannelName) bool {
	mn, err := windows.UTF16PtrFromString(mutexName(name))
	if err != nil {
		return false
	}
	h, err := windows.OpenMutex(windows.SYNCHRONIZE, false, mn)
	if err != nil {
		return false
	}
	windows.CloseHandle(h)
	return true
}

func (p *pipeChannel) Send(ctx context.Context, name ChannelName, payload []byte) error {
	path := pipePath(name)
	d := &dialer{
		dial: func(ctx context.Context) (net.Conn, error) {
			return winio.DialPipeContext(ctx, path)
		},
		notListening: func(err error) bool {
			return errors.Is(err, windows.ERROR_FILE_NOT_FOUND)
		},
		owned: func() bool { return p.owned(name) },
		clock: p.c.clock,
		l:     p.c.l.New("pipe", path),
	}
	return d.deliver(ctx, payload)
}

type pipeToken struct {
	ln    net.Listener
	mutex windows.Handle
}

func (t *pipeToken) Accept() (net.Conn, error) {
	return t.ln.Accept()
}

func (t *pipeToken) Close() error {
	err := t.ln.Close()
	if cerr := windows.CloseHandle(t.mutex); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (t *pipeToken) Addr() string {
	return t.ln.Addr().String()
}

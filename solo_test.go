package solo

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"
)

type received struct {
	args []string
	cwd  string
}

// recorder is a Callback that records every invocation.
type recorder struct {
	c chan received
}

func newRecorder() *recorder {
	return &recorder{c: make(chan received, 16)}
}

func (r *recorder) callback(args []string, cwd string, focus func()) {
	focus()
	focus()
	r.c <- received{args: args, cwd: cwd}
}

func (r *recorder) next(t *testing.T) received {
	t.Helper()
	select {
	case msg := <-r.c:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for handoff")
	}
	return received{}
}

func (r *recorder) requireNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.c:
		t.Fatalf("unexpected handoff: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func startPrimary(t *testing.T, appID, version string, cb Callback, opts ...Option) *Instance {
	t.Helper()
	inst, err := Acquire(testCtx(t), appID, version, cb, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		inst.Close()
	})
	return inst
}

func TestDeliveryExactlyOnce(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(string(backend), func(t *testing.T) {
			dir := tmpDir(t)
			appID := testAppID(t)
			rec := newRecorder()
			startPrimary(t, appID, "1.2.0", rec.callback, testOptions(backend, dir, withOS(&mockOS{pid: 1, args: []string{"app"}}))...)

			secondary := &mockOS{pid: 2, args: []string{"app", "a", "", "b c"}, cwd: "/work"}
			_, err := Acquire(testCtx(t), appID, "1.9.5", rec.callback, testOptions(backend, dir, withOS(secondary))...)
			require.Equal(t, ErrHandedOff, errors.Cause(err))

			msg := rec.next(t)
			require.Equal(t, []string{"a", "", "b c"}, msg.args)
			require.Equal(t, "/work", msg.cwd)
			rec.requireNone(t)
		})
	}
}

// TestHandoffScenario is the basic flow: a second launch with arguments
// reaches the first and exits cleanly.
func TestHandoffScenario(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(string(backend), func(t *testing.T) {
			dir := tmpDir(t)
			appID := testAppID(t)
			rec := newRecorder()
			var focused int32
			focus := WithFocus(func() { atomic.AddInt32(&focused, 1) })

			primaryOS := &mockOS{pid: 1, args: []string{"app"}, cwd: "/"}
			primary := Init(appID, "1.0.0", rec.callback, testOptions(backend, dir, withOS(primaryOS), focus)...)
			require.NotNil(t, primary)
			defer primary.Close()
			require.Empty(t, primaryOS.exits())

			secondaryOS := &mockOS{pid: 2, args: []string{"app", "--file", "doc.txt"}, cwd: "/home/user"}
			inst := Init(appID, "1.0.0", rec.callback, testOptions(backend, dir, withOS(secondaryOS), focus)...)
			require.Nil(t, inst)
			require.Equal(t, []int{0}, secondaryOS.exits())

			msg := rec.next(t)
			require.Equal(t, []string{"--file", "doc.txt"}, msg.args)
			require.Equal(t, "/home/user", msg.cwd)
			// the recorder calls focus twice; it may only run once
			require.EqualValues(t, 1, atomic.LoadInt32(&focused))
		})
	}
}

// TestReacquireAfterPrimaryExits tests that a channel is free again once its
// primary is gone.
func TestReacquireAfterPrimaryExits(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(string(backend), func(t *testing.T) {
			dir := tmpDir(t)
			appID := testAppID(t)
			rec := newRecorder()

			first, err := Acquire(testCtx(t), appID, "2.1.0", rec.callback, testOptions(backend, dir, withOS(&mockOS{pid: 1}))...)
			require.NoError(t, err)
			require.NoError(t, first.Close())
			<-first.Done()

			second := startPrimary(t, appID, "2.1.0", rec.callback, testOptions(backend, dir, withOS(&mockOS{pid: 2}))...)
			require.Equal(t, first.Name(), second.Name())

			_, err = Acquire(testCtx(t), appID, "2.1.0", rec.callback, testOptions(backend, dir, withOS(&mockOS{pid: 3, args: []string{"app", "again"}}))...)
			require.Equal(t, ErrHandedOff, errors.Cause(err))
			require.Equal(t, []string{"again"}, rec.next(t).args)
		})
	}
}

// TestIncompatibleVersionsAreIndependent tests that breaking versions of one
// app each become primary on their own channel.
func TestIncompatibleVersionsAreIndependent(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(string(backend), func(t *testing.T) {
			dir := tmpDir(t)
			appID := testAppID(t)
			rec1, rec2 := newRecorder(), newRecorder()

			var v1, v2 *Instance
			var err1, err2 error
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				v1, err1 = Acquire(testCtx(t), appID, "1.0.0", rec1.callback, testOptions(backend, dir, withOS(&mockOS{pid: 1}))...)
			}()
			go func() {
				defer wg.Done()
				v2, err2 = Acquire(testCtx(t), appID, "2.0.0", rec2.callback, testOptions(backend, dir, withOS(&mockOS{pid: 2}))...)
			}()
			wg.Wait()
			require.NoError(t, err1)
			require.NoError(t, err2)
			defer v1.Close()
			defer v2.Close()
			require.NotEqual(t, v1.Name(), v2.Name())

			rec1.requireNone(t)
			rec2.requireNone(t)
		})
	}
}

// TestMalformedHandoffKeepsListening tests that garbage on the channel is
// dropped without affecting the next, valid, handoff.
func TestMalformedHandoffKeepsListening(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(string(backend), func(t *testing.T) {
			dir := tmpDir(t)
			appID := testAppID(t)
			rec := newRecorder()
			metrics := NewPrometheusMetricsCollector("")
			inst := startPrimary(t, appID, "1.0.0", rec.callback, testOptions(backend, dir, withOS(&mockOS{pid: 1}), WithMetrics(metrics))...)

			ch := testChannel(t, backend, dir)
			require.NoError(t, ch.Send(testCtx(t), inst.Name(), []byte{0, 0, 0, 9, 7, 7, 7}))
			require.NoError(t, ch.Send(testCtx(t), inst.Name(), nil))

			_, err := Acquire(testCtx(t), appID, "1.0.0", rec.callback, testOptions(backend, dir, withOS(&mockOS{pid: 2, args: []string{"app", "ok"}}))...)
			require.Equal(t, ErrHandedOff, errors.Cause(err))
			require.Equal(t, []string{"ok"}, rec.next(t).args)
			rec.requireNone(t)

			require.Equal(t, 1.0, counterValue(t, metrics.decodeFailures))
			require.Equal(t, 1.0, counterValue(t, metrics.handoffsReceived))
		})
	}
}

func TestCallbackPanicKeepsListening(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(string(backend), func(t *testing.T) {
			dir := tmpDir(t)
			appID := testAppID(t)
			rec := newRecorder()
			cb := func(args []string, cwd string, focus func()) {
				if len(args) > 0 && args[0] == "panic" {
					panic("callback exploded")
				}
				rec.callback(args, cwd, focus)
			}
			startPrimary(t, appID, "1.0.0", cb, testOptions(backend, dir, withOS(&mockOS{pid: 1}))...)

			for i, args := range [][]string{{"app", "panic"}, {"app", "fine"}} {
				_, err := Acquire(testCtx(t), appID, "1.0.0", cb, testOptions(backend, dir, withOS(&mockOS{pid: 2 + i, args: args}))...)
				require.Equal(t, ErrHandedOff, errors.Cause(err))
			}
			require.Equal(t, []string{"fine"}, rec.next(t).args)
		})
	}
}

// TestHandoffsArriveInOrder tests that sequential handoffs reach the callback
// one at a time, in the order they were sent.
func TestHandoffsArriveInOrder(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(string(backend), func(t *testing.T) {
			dir := tmpDir(t)
			appID := testAppID(t)

			var mu sync.Mutex
			var order []string
			var inCallback int32
			done := make(chan struct{})
			const n = 10
			cb := func(args []string, cwd string, focus func()) {
				if atomic.AddInt32(&inCallback, 1) != 1 {
					t.Errorf("callbacks overlapped")
				}
				defer atomic.AddInt32(&inCallback, -1)
				mu.Lock()
				defer mu.Unlock()
				order = append(order, args[0])
				if len(order) == n {
					close(done)
				}
			}
			startPrimary(t, appID, "1.0.0", cb, testOptions(backend, dir, withOS(&mockOS{pid: 1}))...)

			var want []string
			for i := 0; i < n; i++ {
				arg := string(rune('a' + i))
				want = append(want, arg)
				_, err := Acquire(testCtx(t), appID, "1.0.0", cb, testOptions(backend, dir, withOS(&mockOS{pid: 2 + i, args: []string{"app", arg}}))...)
				require.Equal(t, ErrHandedOff, errors.Cause(err))
			}
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for handoffs")
			}
			mu.Lock()
			defer mu.Unlock()
			require.Equal(t, want, order)
		})
	}
}

// fakeChannel replays scripted results so the retry policy can be checked
// without racing real processes.
type fakeChannel struct {
	mu          sync.Mutex
	acquireErrs []error
	sendErrs    []error
	acquires    int
	sends       int
}

func (f *fakeChannel) TryAcquire(name ChannelName) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if len(f.acquireErrs) == 0 {
		return newFakeToken(), nil
	}
	err := f.acquireErrs[0]
	f.acquireErrs = f.acquireErrs[1:]
	if err == nil {
		return newFakeToken(), nil
	}
	return nil, err
}

func (f *fakeChannel) Send(ctx context.Context, name ChannelName, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if len(f.sendErrs) == 0 {
		return nil
	}
	err := f.sendErrs[0]
	f.sendErrs = f.sendErrs[1:]
	return err
}

type fakeToken struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeToken() *fakeToken {
	return &fakeToken{closed: make(chan struct{})}
}

func (f *fakeToken) Accept() (net.Conn, error) {
	<-f.closed
	return nil, net.ErrClosed
}

func (f *fakeToken) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeToken) Addr() string {
	return "fake"
}

const backendFake Backend = "fake"

func withFakeChannel(t *testing.T, f *fakeChannel) Option {
	backends[backendFake] = func(c *config) Channel { return f }
	t.Cleanup(func() {
		delete(backends, backendFake)
	})
	return WithBackend(backendFake)
}

func TestOwnerVanishedRetriesAcquisition(t *testing.T) {
	f := &fakeChannel{
		acquireErrs: []error{ErrAlreadyOwned, nil},
		sendErrs:    []error{ErrNoOwner},
	}
	mos := &mockOS{pid: 1, args: []string{"app"}}
	inst := Init(testAppID(t), "1.0.0", newRecorder().callback, WithLogger(l), withOS(mos), withFakeChannel(t, f))
	require.NotNil(t, inst)
	defer inst.Close()
	require.Empty(t, mos.exits())
	require.Equal(t, 2, f.acquires)
	require.Equal(t, 1, f.sends)
}

func TestOwnerVanishedThenHandsOff(t *testing.T) {
	f := &fakeChannel{
		acquireErrs: []error{ErrAlreadyOwned, ErrAlreadyOwned},
		sendErrs:    []error{ErrNoOwner, nil},
	}
	mos := &mockOS{pid: 1, args: []string{"app"}}
	require.Nil(t, Init(testAppID(t), "1.0.0", newRecorder().callback, WithLogger(l), withOS(mos), withFakeChannel(t, f)))
	require.Equal(t, []int{0}, mos.exits())
	require.Equal(t, 2, f.acquires)
	require.Equal(t, 2, f.sends)
}

func TestHandoffFailedExitCode(t *testing.T) {
	cases := map[string]struct {
		f        *fakeChannel
		acquires int
		sends    int
	}{
		"owner vanished twice": {&fakeChannel{
			acquireErrs: []error{ErrAlreadyOwned, ErrAlreadyOwned},
			sendErrs:    []error{ErrNoOwner, ErrNoOwner},
		}, 2, 2},
		"transport failure twice": {&fakeChannel{
			acquireErrs: []error{ErrAlreadyOwned, ErrAlreadyOwned},
			sendErrs:    []error{errors.New("connection reset by peer"), errors.New("broken pipe")},
		}, 2, 2},
		"retry acquisition fails": {&fakeChannel{
			acquireErrs: []error{ErrAlreadyOwned, errors.New("permission denied")},
			sendErrs:    []error{ErrNoOwner},
		}, 2, 1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mos := &mockOS{pid: 1, args: []string{"app"}}
			require.Nil(t, Init(testAppID(t), "1.0.0", newRecorder().callback, WithLogger(l), withOS(mos), withFakeChannel(t, tc.f)))
			require.Equal(t, []int{ExitHandoffFailed}, mos.exits())
			require.Equal(t, tc.acquires, tc.f.acquires)
			require.Equal(t, tc.sends, tc.f.sends)
		})
	}
}

// TestTransportFailureRetriesAcquisition tests that a primary dying while a
// secondary writes to it lets the secondary take over.
func TestTransportFailureRetriesAcquisition(t *testing.T) {
	f := &fakeChannel{
		acquireErrs: []error{ErrAlreadyOwned, nil},
		sendErrs:    []error{errors.New("broken pipe")},
	}
	mos := &mockOS{pid: 1, args: []string{"app"}}
	inst := Init(testAppID(t), "1.0.0", newRecorder().callback, WithLogger(l), withOS(mos), withFakeChannel(t, f))
	require.NotNil(t, inst)
	defer inst.Close()
	require.Empty(t, mos.exits())
	require.Equal(t, 2, f.acquires)
	require.Equal(t, 1, f.sends)
}

func TestHandoffFailedKeepsTransportError(t *testing.T) {
	errReset := errors.New("connection reset by peer")
	f := &fakeChannel{
		acquireErrs: []error{ErrAlreadyOwned, ErrAlreadyOwned},
		sendErrs:    []error{errReset, errors.Wrap(errReset, "could not write handoff")},
	}
	_, err := Acquire(testCtx(t), testAppID(t), "1.0.0", newRecorder().callback, WithLogger(l), withOS(&mockOS{pid: 1}), withFakeChannel(t, f))
	require.Equal(t, ErrHandoffFailed, errors.Cause(err))
	require.True(t, errors.Is(err, errReset), "%v", err)
	require.Contains(t, err.Error(), "could not write handoff")
}

func TestInitFailedExitCode(t *testing.T) {
	cases := map[string]struct {
		appID, version string
		f              *fakeChannel
	}{
		"bad version": {"app", "not-a-version", &fakeChannel{}},
		"bad app id":  {"my app", "1.0.0", &fakeChannel{}},
		"acquire error": {"app", "1.0.0", &fakeChannel{
			acquireErrs: []error{errors.New("permission denied")},
		}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mos := &mockOS{pid: 1}
			require.Nil(t, Init(tc.appID, tc.version, newRecorder().callback, WithLogger(l), withOS(mos), withFakeChannel(t, tc.f)))
			require.Equal(t, []int{ExitInitFailed}, mos.exits())
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := &fakeChannel{}
	inst, err := Acquire(testCtx(t), testAppID(t), "1.0.0", newRecorder().callback, WithLogger(l), withOS(&mockOS{}), withFakeChannel(t, f))
	require.NoError(t, err)
	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close())
	select {
	case <-inst.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("listener did not stop")
	}
	require.True(t, inst.stopped())
}

func TestSend(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(string(backend), func(t *testing.T) {
			dir := tmpDir(t)
			appID := testAppID(t)

			err := Send(testCtx(t), appID, "1.0.0", []string{"x"}, "/", testOptions(backend, dir)...)
			require.Equal(t, ErrNoOwner, errors.Cause(err))

			rec := newRecorder()
			startPrimary(t, appID, "1.0.0", rec.callback, testOptions(backend, dir, withOS(&mockOS{pid: 1}))...)
			require.NoError(t, Send(testCtx(t), appID, "1.4.0", []string{"x", "y"}, "/tmp", testOptions(backend, dir)...))
			msg := rec.next(t)
			require.Equal(t, []string{"x", "y"}, msg.args)
			require.Equal(t, "/tmp", msg.cwd)
		})
	}
}

func TestWithArgsReplacesCommandLine(t *testing.T) {
	dir := tmpDir(t)
	appID := testAppID(t)
	backend := testBackends()[0]
	rec := newRecorder()
	startPrimary(t, appID, "1.0.0", rec.callback, testOptions(backend, dir, withOS(&mockOS{pid: 1}))...)

	secondary := &mockOS{pid: 2, args: []string{"app", "run", "--verbose"}, cwd: "/"}
	_, err := Acquire(testCtx(t), appID, "1.0.0", rec.callback, testOptions(backend, dir, withOS(secondary), WithArgs([]string{"doc.txt"}))...)
	require.Equal(t, ErrHandedOff, errors.Cause(err))
	require.Equal(t, []string{"doc.txt"}, rec.next(t).args)
}

// TestFakeClockDoesNotExpireReads tests that an injected clock far from the
// wall clock doesn't make every connection's read deadline already past.
func TestFakeClockDoesNotExpireReads(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(string(backend), func(t *testing.T) {
			dir := tmpDir(t)
			appID := testAppID(t)
			rec := newRecorder()
			clk := fakeclock.NewFakeClock(time.Unix(0, 0))
			startPrimary(t, appID, "1.0.0", rec.callback, testOptions(backend, dir, withOS(&mockOS{pid: 1}), WithClock(clk))...)

			_, err := Acquire(testCtx(t), appID, "1.0.0", rec.callback, testOptions(backend, dir, withOS(&mockOS{pid: 2, args: []string{"app", "x"}}))...)
			require.Equal(t, ErrHandedOff, errors.Cause(err))
			require.Equal(t, []string{"x"}, rec.next(t).args)
		})
	}
}

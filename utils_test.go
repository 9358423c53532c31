package solo

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"runtime"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
)

var l = log15.New()

func tmpDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "solo_test")
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// testAppID returns an app id no other test, or concurrent test run, uses.
// Abstract sockets are machine wide, so names must not collide.
func testAppID(t *testing.T) string {
	return fmt.Sprintf("test.%s.%d", unsafeIDChars.ReplaceAllString(t.Name(), "-"), rand.Int63())
}

// testBackends lists the backends that can run on this platform.
func testBackends() []Backend {
	switch runtime.GOOS {
	case "linux":
		return []Backend{BackendAbstract, BackendLockfile}
	case "windows":
		return []Backend{BackendPipe}
	default:
		return []Backend{BackendLockfile}
	}
}

// testOptions configures a launch. Launches meant to meet on one channel must
// share dir.
func testOptions(backend Backend, dir string, extra ...Option) []Option {
	opts := []Option{
		WithLogger(l),
		WithBackend(backend),
		WithDir(dir),
		WithSendTimeout(2 * time.Second),
	}
	return append(opts, extra...)
}

func mustName(t *testing.T, appID, version string) ChannelName {
	t.Helper()
	v, err := ParseVersion(version)
	if err != nil {
		t.Fatalf("bad version %q: %v", version, err)
	}
	name, err := DeriveChannelName(appID, v)
	if err != nil {
		t.Fatalf("bad app id %q: %v", appID, err)
	}
	return name
}

package solo

import (
	"os"
	"sync"
)

type mockOS struct {
	pid  int
	args []string
	cwd  string

	mu        sync.Mutex
	exitCodes []int
}

func (m *mockOS) Getpid() int {
	return m.pid
}

func (m *mockOS) Getuid() int {
	return os.Getuid()
}

func (m *mockOS) Args() []string {
	return m.args
}

func (m *mockOS) Getwd() (string, error) {
	return m.cwd, nil
}

func (m *mockOS) Exit(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitCodes = append(m.exitCodes, code)
}

func (m *mockOS) exits() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.exitCodes...)
}

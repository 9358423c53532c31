package solo

import "os"

type osIface interface {
	Getpid() int
	Getuid() int
	Args() []string
	Getwd() (string, error)
	// Exit does not return for the real OS.
	Exit(code int)
}

type realOS struct{}

func (realOS) Getpid() int {
	return os.Getpid()
}

func (realOS) Getuid() int {
	return os.Getuid()
}

func (realOS) Args() []string {
	return os.Args
}

func (realOS) Getwd() (string, error) {
	return os.Getwd()
}

func (realOS) Exit(code int) {
	os.Exit(code)
}

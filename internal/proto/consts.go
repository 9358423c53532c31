package proto

const (
	// Version is the frame version written by this package. Frames of any other
	// version are rejected.
	Version = 1

	// MaxFrameSize is the largest frame body that will be written or read.
	// Anything bigger is almost certainly not a handoff.
	MaxFrameSize = 16 << 20

	// minFrameSize is a version byte plus a string count.
	minFrameSize = 1 + 4
)

package solo

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// OwnerStatus describes the process that currently owns a channel.
type OwnerStatus struct {
	Channel ChannelName
	PID     int
	// Running is false if the recorded owner pid no longer exists, which
	// happens when an owner is killed before it could clean up.
	Running bool
	// Name is the owner's process name, when it could be determined.
	Name string
}

// Status reports the owner of the channel for appID at version. If nothing
// owns it, ErrNoOwner is returned.
// Only BackendAbstract and BackendLockfile can report an owner.
func Status(appID, version string, opts ...Option) (OwnerStatus, error) {
	c := newConfig(opts...)
	name, err := channelFor(appID, version)
	if err != nil {
		return OwnerStatus{}, err
	}
	ch, err := newChannel(c)
	if err != nil {
		return OwnerStatus{}, err
	}
	inspector, ok := ch.(ownerInspector)
	if !ok {
		return OwnerStatus{}, errors.Wrapf(ErrUnsupportedBackend, "%q cannot report its owner", c.backend)
	}
	return inspector.Status(name)
}

func describeOwner(name ChannelName, pid int) OwnerStatus {
	st := OwnerStatus{Channel: name, PID: pid}
	ctx := context.Background()
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return st
	}
	st.Running = true
	if proc, err := process.NewProcessWithContext(ctx, int32(pid)); err == nil {
		st.Name, _ = proc.NameWithContext(ctx)
	}
	return st
}

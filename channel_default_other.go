//go:build !linux && !windows

package solo

const defaultBackend = BackendLockfile

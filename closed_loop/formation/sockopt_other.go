//go:build !linux && !darwin

package formation

import "syscall"

// Broadcast sockets are only configured on unix targets.
func broadcastControl(_, _ string, _ syscall.RawConn) error { return nil }

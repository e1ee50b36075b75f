//go:build !linux

package pool

import "syscall"

// setSocketOptions is a no-op on non-Linux platforms; the Linux variant
// in sockopt_linux.go sets TCP_NODELAY and keepalive tuning.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}

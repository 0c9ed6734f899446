//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package sipua

import "net"

// setDSCP на остальных платформах не поддерживается
func setDSCP(*net.UDPConn, int) error { return nil }

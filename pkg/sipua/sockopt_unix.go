//go:build darwin || freebsd || netbsd || openbsd

package sipua

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDSCP помечает исходящие RTP пакеты классом DSCP
func setDSCP(conn *net.UDPConn, dscp int) error {
	if dscp <= 0 {
		return nil
	}
	tos := dscp << 2

	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	})
	if err != nil {
		return err
	}
	return sockErr
}

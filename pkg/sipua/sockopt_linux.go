//go:build linux

package sipua

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDSCP помечает исходящие RTP пакеты классом DSCP (IP_TOS / IPV6_TCLASS)
func setDSCP(conn *net.UDPConn, dscp int) error {
	if dscp <= 0 {
		return nil
	}
	// DSCP занимает старшие 6 бит поля TOS
	tos := dscp << 2

	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); e != nil {
			sockErr = e
		}
		// для IPv4 сокета ошибка TCLASS ожидаема
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		// приоритет очереди для интерактивного аудио
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	})
	if err != nil {
		return err
	}
	return sockErr
}

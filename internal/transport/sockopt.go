package transport

import (
	"fmt"
	"net"
	"syscall"

	"github.com/mojo333/udp-repeater/internal/logger"

	"golang.org/x/sys/unix"
)

// reuseAddr is a net.ListenConfig Control hook that sets SO_REUSEADDR so
// several listeners can share a multicast port.
func reuseAddr(_, _ string, rawConn syscall.RawConn) error {
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
		}
	}); err != nil {
		return fmt.Errorf("raw control error: %w", err)
	}
	return sockErr
}

// sockoptInt reads an integer SOL_SOCKET option, returning 0 if it cannot.
func sockoptInt(conn *net.UDPConn, opt int) int {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0
	}
	var val int
	rawConn.Control(func(fd uintptr) {
		val, _ = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, opt)
	})
	return val
}

// growBuffers raises the kernel receive and send buffers to at least rcv and
// snd bytes. It is best effort: refusals are logged and ignored.
func growBuffers(conn *net.UDPConn, rcv, snd int, log *logger.Logger) {
	if cur := sockoptInt(conn, unix.SO_RCVBUF); cur < rcv {
		if err := conn.SetReadBuffer(rcv); err != nil {
			log.Info("Cannot raise receive buffer to %d bytes: %s", rcv, err)
		}
		log.Debug("Receive buffer %d -> %d bytes", cur, sockoptInt(conn, unix.SO_RCVBUF))
	}
	if cur := sockoptInt(conn, unix.SO_SNDBUF); cur < snd {
		if err := conn.SetWriteBuffer(snd); err != nil {
			log.Info("Cannot raise send buffer to %d bytes: %s", snd, err)
		}
		log.Debug("Send buffer %d -> %d bytes", cur, sockoptInt(conn, unix.SO_SNDBUF))
	}
}

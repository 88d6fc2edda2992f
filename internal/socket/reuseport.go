package socket

import (
	"os"

	"golang.org/x/sys/unix"
)

func SetReusePort(fd, reuse int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, reuse))
}

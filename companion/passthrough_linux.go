package companion

import (
	"fmt"

	"github.com/criyle/go-zygisk/daemon"
	"github.com/criyle/go-zygisk/pkg/unixsocket"
	"golang.org/x/sys/unix"
)

// Passthrough serves one passthrough request on an already-open client
// descriptor, connecting onward to the router for the replacement image.
// The client receives a status integer, then the image descriptor on
// success. connect may be nil to use daemon.Connect.
func Passthrough(clientFd int, is64 bool, connect daemon.ConnectFunc) error {
	if _, err := unix.FcntlInt(uintptr(clientFd), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("passthrough: client fd %d: %v", clientFd, err)
	}
	client, err := unixsocket.NewSocket(clientFd)
	if err != nil {
		return fmt.Errorf("passthrough: %v", err)
	}
	defer client.Close()

	if connect == nil {
		connect = daemon.Connect
	}
	router, err := connect(daemon.Passthrough)
	if err != nil {
		client.WriteInt(1)
		return fmt.Errorf("passthrough: %v", err)
	}
	defer router.Close()

	if err := router.WriteBool(is64); err != nil {
		client.WriteInt(1)
		return fmt.Errorf("passthrough: %v", err)
	}
	status, err := router.ReadInt()
	if err != nil {
		client.WriteInt(1)
		return fmt.Errorf("passthrough: %v", err)
	}
	if status != 0 {
		client.WriteInt(1)
		return fmt.Errorf("passthrough: router status %d", status)
	}

	if err := client.WriteInt(0); err != nil {
		return fmt.Errorf("passthrough: %v", err)
	}
	fd, err := router.RecvFd()
	if err != nil {
		return fmt.Errorf("passthrough: %v", err)
	}
	defer unix.Close(fd)
	if err := client.SendFd(fd); err != nil {
		return fmt.Errorf("passthrough: %v", err)
	}
	return nil
}

// Package unixsocket provides a wrapper for Linux unix stream sockets to
// exchange framed integers, length-prefixed strings and file descriptors
// passed as SCM_RIGHTS ancillary data.
package unixsocket

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// oob size default to page size
const oobSize = 4 << 10 // 4kb

// maximum length accepted for a single framed payload
const maxPayload = 64 << 20 // 64mb

// Socket wrappers a connected unix stream socket
type Socket struct {
	*net.UnixConn
	recvBuff []byte
	intBuff  [4]byte
}

func newSocket(conn *net.UnixConn) *Socket {
	return &Socket{
		UnixConn: conn,
		recvBuff: make([]byte, oobSize),
	}
}

// NewSocket creates Socket conn struct using existing unix socket fd
// created by socketpair or inherited across exec, and marks it as
// close_on_exec (avoid fd leak). It requires a SOCK_STREAM socket.
func NewSocket(fd int) (*Socket, error) {
	syscall.CloseOnExec(fd)

	file := os.NewFile(uintptr(fd), "unix-socket")
	if file == nil {
		return nil, fmt.Errorf("NewSocket: %d is not a valid fd", fd)
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("NewSocket: %v", err)
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("NewSocket: %d is not a valid unix socket connection", fd)
	}
	return newSocket(unixConn), nil
}

// NewSocketPair creates connected unix socketpair using SOCK_STREAM
func NewSocketPair() (*Socket, *Socket, error) {
	fd, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("NewSocketPair: failed to call socketpair %v", err)
	}

	ins, err := NewSocket(fd[0])
	if err != nil {
		syscall.Close(fd[0])
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("NewSocketPair: failed to call NewSocket on sender %v", err)
	}

	outs, err := NewSocket(fd[1])
	if err != nil {
		ins.Close()
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("NewSocketPair: failed to call NewSocket receiver %v", err)
	}

	return ins, outs, nil
}

// Dial connects to a listening unix socket at path
func Dial(path string) (*Socket, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("Dial: %v", err)
	}
	return newSocket(conn), nil
}

// WriteInt writes a single 4-byte little-endian integer
func (s *Socket) WriteInt(v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	if _, err := s.Write(b[:]); err != nil {
		return fmt.Errorf("WriteInt: %v", err)
	}
	return nil
}

// ReadInt reads a single 4-byte little-endian integer, blocking until the
// full frame arrives
func (s *Socket) ReadInt() (int32, error) {
	if _, err := io.ReadFull(s, s.intBuff[:]); err != nil {
		return 0, fmt.Errorf("ReadInt: %v", err)
	}
	return int32(binary.LittleEndian.Uint32(s.intBuff[:])), nil
}

// WriteBool writes a single raw flag byte
func (s *Socket) WriteBool(v bool) error {
	b := [1]byte{}
	if v {
		b[0] = 1
	}
	if _, err := s.Write(b[:]); err != nil {
		return fmt.Errorf("WriteBool: %v", err)
	}
	return nil
}

// ReadBool reads a single raw flag byte
func (s *Socket) ReadBool() (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(s, b[:]); err != nil {
		return false, fmt.Errorf("ReadBool: %v", err)
	}
	return b[0] != 0, nil
}

// WriteBytes writes a 4-byte length followed by the exact payload
func (s *Socket) WriteBytes(b []byte) error {
	if len(b) > maxPayload {
		return fmt.Errorf("WriteBytes: payload too large %d", len(b))
	}
	if err := s.WriteInt(int32(len(b))); err != nil {
		return fmt.Errorf("WriteBytes: %v", err)
	}
	if _, err := s.Write(b); err != nil {
		return fmt.Errorf("WriteBytes: %v", err)
	}
	return nil
}

// ReadBytes reads a 4-byte length followed by the exact payload
func (s *Socket) ReadBytes() ([]byte, error) {
	n, err := s.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("ReadBytes: %v", err)
	}
	if n < 0 || n > maxPayload {
		return nil, fmt.Errorf("ReadBytes: invalid payload length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(s, b); err != nil {
		return nil, fmt.Errorf("ReadBytes: %v", err)
	}
	return b, nil
}

// WriteString writes a length-prefixed string
func (s *Socket) WriteString(str string) error {
	return s.WriteBytes([]byte(str))
}

// ReadString reads a length-prefixed string
func (s *Socket) ReadString() (string, error) {
	b, err := s.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SendFd sends a single file descriptor as ancillary data carried by one
// placeholder byte
func (s *Socket) SendFd(fd int) error {
	if _, _, err := s.WriteMsgUnix([]byte{0}, syscall.UnixRights(fd), nil); err != nil {
		return fmt.Errorf("SendFd: %v", err)
	}
	return nil
}

// RecvFd receives a single file descriptor, the descriptor is marked
// close_on_exec before it is returned
func (s *Socket) RecvFd() (int, error) {
	fds, err := s.recvFds(1)
	if err != nil {
		return -1, fmt.Errorf("RecvFd: %v", err)
	}
	return fds[0], nil
}

// SendFds sends a batch of file descriptors: a 4-byte count followed by one
// message carrying all descriptors as ancillary data
func (s *Socket) SendFds(fds ...int) error {
	if err := s.WriteInt(int32(len(fds))); err != nil {
		return fmt.Errorf("SendFds: %v", err)
	}
	if len(fds) == 0 {
		return nil
	}
	if _, _, err := s.WriteMsgUnix([]byte{0}, syscall.UnixRights(fds...), nil); err != nil {
		return fmt.Errorf("SendFds: %v", err)
	}
	return nil
}

// RecvFds receives a batch of file descriptors sent by SendFds
func (s *Socket) RecvFds() ([]int, error) {
	n, err := s.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("RecvFds: %v", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("RecvFds: invalid fd count %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	fds, err := s.recvFds(int(n))
	if err != nil {
		return nil, fmt.Errorf("RecvFds: %v", err)
	}
	return fds, nil
}

func (s *Socket) recvFds(count int) ([]int, error) {
	var b [1]byte
	_, oobn, _, _, err := s.ReadMsgUnix(b[:], s.recvBuff)
	if err != nil {
		return nil, err
	}
	msgs, err := syscall.ParseSocketControlMessage(s.recvBuff[:oobn])
	if err != nil {
		return nil, err
	}
	fds, err := parseFds(msgs)
	if err != nil {
		return nil, err
	}
	if len(fds) != count {
		closeFds(fds)
		return nil, fmt.Errorf("unexpected number of fd %d / %d", len(fds), count)
	}
	for _, fd := range fds {
		syscall.CloseOnExec(fd)
	}
	return fds, nil
}

func parseFds(msgs []syscall.SocketControlMessage) (fds []int, err error) {
	defer func() {
		if err != nil {
			closeFds(fds)
			fds = nil
		}
	}()
	for _, m := range msgs {
		if m.Header.Level != syscall.SOL_SOCKET || m.Header.Type != syscall.SCM_RIGHTS {
			continue
		}
		f, err := syscall.ParseUnixRights(&m)
		if err != nil {
			return fds, err
		}
		fds = append(fds, f...)
	}
	if len(fds) == 0 {
		return fds, fmt.Errorf("no fd received")
	}
	return fds, nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		syscall.Close(fd)
	}
}

package companion

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/criyle/go-zygisk/pkg/unixsocket"
	"golang.org/x/sys/unix"
)

// Daemon hosts loaded module code for one CPU architecture and dispatches
// client requests to module entry points
type Daemon struct {
	socket  *unixsocket.Socket
	modules []Entry // sparse table, nil marks a failed load
	loader  Loader

	tasks sync.WaitGroup // outstanding dispatched entries
}

// New creates the daemon on an already-open control descriptor. The
// descriptor must be a connected unix stream socket to the supervisor.
func New(fd int, loader Loader) (*Daemon, error) {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("companion: control fd %d: %v", fd, err)
	}
	soc, err := unixsocket.NewSocket(fd)
	if err != nil {
		return nil, fmt.Errorf("companion: %v", err)
	}
	if loader == nil {
		loader = PluginLoader{}
	}
	return &Daemon{
		socket: soc,
		loader: loader,
	}, nil
}

// LoadModules receives the module descriptor batch, builds the entry table
// and acknowledges readiness. A failed load records an absent slot and does
// not abort the remaining modules. The table is never mutated afterwards.
func (d *Daemon) LoadModules() error {
	fds, err := d.socket.RecvFds()
	if err != nil {
		return fmt.Errorf("companion: receive modules: %v", err)
	}

	d.modules = make([]Entry, 0, len(fds))
	for _, fd := range fds {
		var entry Entry
		if isRegular(fd) {
			if e, err := d.loader.Load(fd); err != nil {
				fmt.Fprintf(os.Stderr, "companion: failed to load module: %v\n", err)
			} else {
				entry = e
			}
		}
		d.modules = append(d.modules, entry)
		unix.Close(fd)
	}

	// ack ready
	if err := d.socket.WriteInt(0); err != nil {
		return fmt.Errorf("companion: ack: %v", err)
	}
	return nil
}

// Serve accepts one client descriptor per request until the control channel
// fails, which means the supervisor exited. Outstanding dispatched entries
// are not joined, process exit reclaims them.
func (d *Daemon) Serve() error {
	for {
		client, err := d.socket.RecvFd()
		if err != nil {
			return fmt.Errorf("companion: control channel: %v", err)
		}
		d.serveClient(client)
	}
}

// serveClient reads the module index from the client and dispatches. An out
// of range index or an absent slot closes the client immediately.
func (d *Daemon) serveClient(client int) {
	id, err := readIndex(client)
	if err != nil || id < 0 || int(id) >= len(d.modules) || d.modules[id] == nil {
		unix.Close(client)
		return
	}
	entry := d.modules[id]

	d.tasks.Add(1)
	go func() {
		defer d.tasks.Done()
		before, snapshotted := fileIdent(client)
		entry(client)
		// Only close client if it is still the same file. The entry could
		// have closed it already, and the descriptor number may have been
		// recycled for an unrelated resource since.
		if after, ok := fileIdent(client); snapshotted && ok && after == before {
			unix.Close(client)
		}
	}()
}

// ident is the (device, inode) identity of an open descriptor
type ident struct {
	dev uint64
	ino uint64
}

func fileIdent(fd int) (ident, bool) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return ident{}, false
	}
	return ident{dev: uint64(st.Dev), ino: uint64(st.Ino)}, true
}

func isRegular(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFREG
}

// readIndex reads the 4-byte module index directly from the raw client
// descriptor. The descriptor inherits its blocking mode from the sender, so
// EAGAIN waits for readability instead of failing.
func readIndex(fd int) (int32, error) {
	var b [4]byte
	read := 0
	for read < len(b) {
		n, err := unix.Read(fd, b[read:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			if _, perr := unix.Poll(pfd, -1); perr != nil && perr != unix.EINTR {
				return 0, perr
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.ErrUnexpectedEOF
		}
		read += n
	}
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24, nil
}

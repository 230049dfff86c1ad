package companion

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/criyle/go-zygisk/pkg/memfd"
	"github.com/criyle/go-zygisk/pkg/unixsocket"
	"golang.org/x/sys/unix"
)

// fakeLoader resolves entries by the module file content
type fakeLoader struct {
	entries map[string]Entry
	loads   int32
}

func (l *fakeLoader) Load(fd int) (Entry, error) {
	atomic.AddInt32(&l.loads, 1)
	var buf [64]byte
	n, err := unix.Pread(fd, buf[:], 0)
	if err != nil {
		return nil, err
	}
	key := string(buf[:n])
	e, ok := l.entries[key]
	if !ok {
		return nil, fmt.Errorf("no entry for %q", key)
	}
	return e, nil
}

func controlPair(t *testing.T) (*unixsocket.Socket, int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	sup, err := unixsocket.NewSocket(fds[0])
	if err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		t.Fatal(err)
	}
	return sup, fds[1]
}

func moduleFds(t *testing.T, keys []string) ([]*os.File, []int) {
	t.Helper()
	var files []*os.File
	var fds []int
	for _, k := range keys {
		f, err := memfd.DupToMemfd("module", strings.NewReader(k))
		if err != nil {
			t.Fatal(err)
		}
		files = append(files, f)
		fds = append(fds, int(f.Fd()))
	}
	return files, fds
}

// startDaemon builds a daemon over a socketpair, feeds it the module batch,
// checks the ready ack and starts the serve loop
func startDaemon(t *testing.T, loader Loader, keys []string) (*unixsocket.Socket, *Daemon) {
	t.Helper()
	sup, fd := controlPair(t)
	t.Cleanup(func() { sup.Close() })

	d, err := New(fd, loader)
	if err != nil {
		t.Fatal(err)
	}

	loadDone := make(chan error, 1)
	go func() { loadDone <- d.LoadModules() }()

	files, fds := moduleFds(t, keys)
	if err := sup.SendFds(fds...); err != nil {
		t.Fatal(err)
	}
	ack, err := sup.ReadInt()
	if err != nil {
		t.Fatalf("ready ack: %v", err)
	}
	if ack != 0 {
		t.Fatalf("ready ack = %d, want 0", ack)
	}
	for _, f := range files {
		f.Close()
	}
	if err := <-loadDone; err != nil {
		t.Fatalf("LoadModules: %v", err)
	}

	go d.Serve()
	return sup, d
}

// sendRequest transfers one end of a fresh socketpair to the daemon and
// writes the module index on the other end, which it returns
func sendRequest(t *testing.T, sup *unixsocket.Socket, index int32) *unixsocket.Socket {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.SendFd(fds[0]); err != nil {
		t.Fatal(err)
	}
	syscall.Close(fds[0])
	ours, err := unixsocket.NewSocket(fds[1])
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ours.Close() })
	if err := ours.WriteInt(index); err != nil {
		t.Fatal(err)
	}
	return ours
}

func TestLoadModules_PartialFailure(t *testing.T) {
	var calls1, calls3 int32
	loader := &fakeLoader{entries: map[string]Entry{
		"ok1": func(client int) {
			unix.Write(client, []byte{0xAA})
			atomic.AddInt32(&calls1, 1)
		},
		"ok3": func(client int) {
			unix.Write(client, []byte{0xBB})
			atomic.AddInt32(&calls3, 1)
		},
	}}
	// modules 0 and 2 fail to load
	sup, d := startDaemon(t, loader, []string{"fail0", "ok1", "fail2", "ok3"})

	if len(d.modules) != 4 {
		t.Fatalf("module table size = %d, want 4", len(d.modules))
	}
	if d.modules[0] != nil || d.modules[2] != nil {
		t.Error("failed slots expected absent")
	}
	if d.modules[1] == nil || d.modules[3] == nil {
		t.Error("loaded slots expected present")
	}

	// failed slot: descriptor closed, no handler invoked
	c := sendRequest(t, sup, 0)
	var b [1]byte
	if _, err := io.ReadFull(c, b[:]); err == nil {
		t.Error("expected closed descriptor for absent slot 0")
	}
	if n := atomic.LoadInt32(&calls1); n != 0 {
		t.Errorf("handler 1 invoked %d times for slot 0", n)
	}

	// loaded slot: exactly one handler call, reply observed, then close
	c = sendRequest(t, sup, 1)
	if _, err := io.ReadFull(c, b[:]); err != nil {
		t.Fatalf("read handler reply: %v", err)
	}
	if b[0] != 0xAA {
		t.Errorf("reply = %#x, want 0xAA", b[0])
	}
	if _, err := io.ReadFull(c, b[:]); err != io.EOF && err != io.ErrUnexpectedEOF {
		t.Errorf("expected daemon close after handler return, got %v", err)
	}
	if n := atomic.LoadInt32(&calls1); n != 1 {
		t.Errorf("handler 1 invoked %d times, want 1", n)
	}

	// out of range index: closed without any invocation
	c = sendRequest(t, sup, 100)
	if _, err := io.ReadFull(c, b[:]); err == nil {
		t.Error("expected closed descriptor for out of range index")
	}
	c = sendRequest(t, sup, -1)
	if _, err := io.ReadFull(c, b[:]); err == nil {
		t.Error("expected closed descriptor for negative index")
	}
}

func TestLoadModules_NotRegularFile(t *testing.T) {
	loader := &fakeLoader{entries: map[string]Entry{}}
	sup, fd := controlPair(t)
	defer sup.Close()

	d, err := New(fd, loader)
	if err != nil {
		t.Fatal(err)
	}
	loadDone := make(chan error, 1)
	go func() { loadDone <- d.LoadModules() }()

	// a socket is not a loadable module
	sfds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer syscall.Close(sfds[1])
	if err := sup.SendFds(sfds[0]); err != nil {
		t.Fatal(err)
	}
	syscall.Close(sfds[0])

	if ack, err := sup.ReadInt(); err != nil || ack != 0 {
		t.Fatalf("ready ack = %d, %v, want 0", ack, err)
	}
	if err := <-loadDone; err != nil {
		t.Fatalf("LoadModules: %v", err)
	}
	if atomic.LoadInt32(&loader.loads) != 0 {
		t.Error("loader invoked for non-regular file")
	}
	if len(d.modules) != 1 || d.modules[0] != nil {
		t.Errorf("expected one absent slot, got %d", len(d.modules))
	}
}

func TestServe_ConcurrentDispatch(t *testing.T) {
	const k = 3
	release := make(chan struct{})
	var blocked int32
	done := make(chan struct{})

	entries := map[string]Entry{
		"fast": func(client int) { close(done) },
	}
	keys := make([]string, 0, k+1)
	for i := 0; i < k; i++ {
		key := fmt.Sprintf("block%d", i)
		entries[key] = func(client int) {
			atomic.AddInt32(&blocked, 1)
			<-release
		}
		keys = append(keys, key)
	}
	keys = append(keys, "fast")
	defer close(release)

	loader := &fakeLoader{entries: entries}
	sup, _ := startDaemon(t, loader, keys)

	for i := 0; i < k; i++ {
		sendRequest(t, sup, int32(i))
	}
	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&blocked) < k {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d handlers started", atomic.LoadInt32(&blocked), k)
		}
		time.Sleep(time.Millisecond)
	}

	// all k handlers block, the next request must still be admitted
	sendRequest(t, sup, k)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch blocked by outstanding handlers")
	}
}

func TestServe_DescriptorIdentity(t *testing.T) {
	reused := make(chan int, 1)
	loader := &fakeLoader{entries: map[string]Entry{
		"reuse": func(client int) {
			// close the client and force the OS to recycle the same
			// descriptor number for an unrelated resource
			unix.Close(client)
			nfd, err := unix.MemfdCreate("unrelated", 0)
			if err != nil {
				reused <- -1
				return
			}
			if nfd != client {
				if err := unix.Dup3(nfd, client, 0); err != nil {
					unix.Close(nfd)
					reused <- -1
					return
				}
				unix.Close(nfd)
			}
			reused <- client
		},
	}}
	sup, d := startDaemon(t, loader, []string{"reuse"})

	sendRequest(t, sup, 0)
	fd := <-reused
	if fd < 0 {
		t.Fatal("handler failed to set up descriptor reuse")
	}
	d.tasks.Wait()

	// the recycled descriptor must still be open
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		t.Errorf("daemon closed a recycled descriptor: %v", err)
	}
	unix.Close(fd)
}

func TestServe_SupervisorExit(t *testing.T) {
	loader := &fakeLoader{entries: map[string]Entry{}}
	sup, fd := controlPair(t)

	d, err := New(fd, loader)
	if err != nil {
		t.Fatal(err)
	}
	loadDone := make(chan error, 1)
	go func() { loadDone <- d.LoadModules() }()
	if err := sup.SendFds(); err != nil {
		t.Fatal(err)
	}
	if ack, err := sup.ReadInt(); err != nil || ack != 0 {
		t.Fatalf("ready ack = %d, %v, want 0", ack, err)
	}
	if err := <-loadDone; err != nil {
		t.Fatal(err)
	}

	served := make(chan error, 1)
	go func() { served <- d.Serve() }()
	sup.Close()

	select {
	case err := <-served:
		if err == nil {
			t.Error("Serve returned nil after supervisor exit")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not terminate after supervisor exit")
	}
}

func TestNew_InvalidFd(t *testing.T) {
	if _, err := New(-1, nil); err == nil {
		t.Error("expected error for invalid control fd")
	}
}

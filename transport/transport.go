// Package transport implements the Transport Adapter described in
// spec.md §4.2: a raw HCI socket bound to one local controller,
// exposing SendAvailable/Send plus the io.ReadWriteCloser the stack's
// command/event codecs write to and read from.
package transport

import (
	"errors"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	hciChannelRaw  = 0
	hciChannelUser = 1
)

type rawSockaddrHCI struct {
	Family  uint16
	Dev     uint16
	Channel uint16
}

// Transport is a raw AF_BLUETOOTH HCI socket bound to one adapter.
// SendAvailable reports whether the controller's command buffer has
// room for another outbound packet; this implementation has no
// visibility into the controller's buffer credits (unlike a real
// HCI_Number_Of_Completed_Packets-aware stack) so it reports true for
// as long as the socket is open and lets the kernel apply backpressure
// on Write.
type Transport struct {
	fd    int
	rmu   sync.Mutex
	wmu   sync.Mutex
	ready chan struct{}
}

// Open binds to controller index devID, preferring the exclusive
// HCI_CHANNEL_USER (which bypasses the kernel's own HCI state
// machine) and falling back to HCI_CHANNEL_RAW when unavailable —
// e.g. when bluetoothd or another managing process already owns the
// controller's user channel.
func Open(devID int) (*Transport, error) {
	t, err := openChannel(devID, hciChannelUser)
	if err == nil {
		return t, nil
	}
	return openChannel(devID, hciChannelRaw)
}

func openChannel(devID, channel int) (*Transport, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, err
	}
	sa := rawSockaddrHCI{Family: unix.AF_BLUETOOTH, Dev: uint16(devID), Channel: uint16(channel)}
	if err := bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	ready := make(chan struct{})
	close(ready)
	return &Transport{fd: fd, ready: ready}, nil
}

func bind(fd int, sa *rawSockaddrHCI) error {
	var err error
	for i := 0; i < 5; i++ {
		_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa))
		if errno == 0 {
			return nil
		}
		if errno != unix.EBUSY {
			return errno
		}
		err = errno
		time.Sleep(time.Second)
	}
	return err
}

// SendAvailable reports whether a Write is currently expected to
// succeed. See the Transport doc comment for the caveat on buffer
// credits.
func (t *Transport) SendAvailable() bool { return t.fd != 0 }

// Ready satisfies bthid.Transport's on_ready() requirement. A raw HCI
// socket has no separate asynchronous boot-readiness handshake the way
// a VHCI interface does; bind(2) succeeding is this transport's
// equivalent event — the kernel has already accepted the controller as
// live, so Ready's channel is pre-closed at Open.
func (t *Transport) Ready() <-chan struct{} { return t.ready }

// Send writes one fully framed HCI packet (type byte + payload).
func (t *Transport) Send(b []byte) error {
	_, err := t.Write(b)
	return err
}

func (t *Transport) Read(b []byte) (int, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()
	return unix.Read(t.fd, b)
}

func (t *Transport) Write(b []byte) (int, error) {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return unix.Write(t.fd, b)
}

func (t *Transport) Close() error {
	if t.fd == 0 {
		return errors.New("transport: already closed")
	}
	err := unix.Close(t.fd)
	t.fd = 0
	return err
}

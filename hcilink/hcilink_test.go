package hcilink

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestClassifyHID(t *testing.T) {
	cases := []struct {
		name  string
		class [3]byte
		want  bool
		kind  PeripheralKind
	}{
		{"gamepad", [3]byte{0x08, 0x05, 0x00}, true, PeripheralGamepad},
		{"keyboard", [3]byte{0x40, 0x05, 0x00}, true, PeripheralKeyboard},
		{"mouse", [3]byte{0x80, 0x05, 0x00}, true, PeripheralMouse},
		{"phone, not HID", [3]byte{0x04, 0x02, 0x00}, false, PeripheralUnknown},
		{"HID major class bit clear", [3]byte{0x80, 0x00, 0x00}, false, PeripheralUnknown},
	}
	for _, c := range cases {
		ok, kind := classifyHID(c.class)
		if ok != c.want || (ok && kind != c.kind) {
			t.Errorf("%s: classifyHID(%x) = (%v, %v), want (%v, %v)", c.name, c.class, ok, kind, c.want, c.kind)
		}
	}
}

type captureWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(b)
}

func (w *captureWriter) lastLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(bytes.NewBuffer(nil))
	return logrus.NewEntry(l)
}

func newTestLink() (*Link, *captureWriter) {
	w := &captureWriter{}
	l := New(Config{ClassOfDevice: [3]byte{0x04, 0x05, 0x24}}, w, discardLogger())
	return l, w
}

// commandCompleteEvent builds a raw Command Complete event frame for
// the given opcode with the given return parameters.
func commandCompleteEvent(opcode uint16, rp ...byte) []byte {
	params := append([]byte{0x01, byte(opcode), byte(opcode >> 8)}, rp...)
	b := append([]byte{0x0E, byte(len(params))}, params...)
	return b
}

func waitWritten(t *testing.T, w *captureWriter) {
	t.Helper()
	for i := 0; i < 1000000 && w.lastLen() == 0; i++ {
	}
}

func TestBringUpSequenceThroughLocalVersion(t *testing.T) {
	l, w := newTestLink()

	l.initCounter = l.resetThreshold + 1
	l.Tick()
	if l.state != StateReset {
		t.Fatalf("state = %v, want RESET", l.state)
	}
	waitWritten(t, w)

	if err := l.HandleEvent(commandCompleteEvent(0x0c03 /* Reset */, 0x00)); err != nil {
		t.Fatalf("HandleEvent(reset complete): %v", err)
	}
	l.Tick()
	if l.state != StateClass {
		t.Fatalf("state = %v, want CLASS", l.state)
	}

	if err := l.HandleEvent(commandCompleteEvent(0x0c24 /* Write Class of Device */, 0x00)); err != nil {
		t.Fatalf("HandleEvent(class complete): %v", err)
	}
	l.Tick()
	if l.state != StateBDAddr {
		t.Fatalf("state = %v, want BDADDR", l.state)
	}

	bdaddrRP := append([]byte{0x00}, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}...)
	if err := l.HandleEvent(commandCompleteEvent(0x1009 /* Read BD_ADDR */, bdaddrRP...)); err != nil {
		t.Fatalf("HandleEvent(bdaddr complete): %v", err)
	}
	l.Tick()
	if l.state != StateLocalVersion {
		t.Fatalf("state = %v, want LOCAL_VERSION", l.state)
	}
	if l.ownBDAddr != [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06} {
		t.Errorf("ownBDAddr = %x", l.ownBDAddr)
	}
}

func TestConnectionHandleInvalidUntilConnected(t *testing.T) {
	l, _ := newTestLink()
	if _, ok := l.ConnectionHandle(); ok {
		t.Fatalf("ConnectionHandle reported valid before any connection")
	}
}

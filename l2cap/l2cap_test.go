package l2cap

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nbridges/bthid/internal/sig"
)

type fakePeer struct {
	handle    uint16
	connected bool
	wantHID   bool
	claimed   bool
}

func (p *fakePeer) ConnectionHandle() (uint16, bool)  { return p.handle, p.connected }
func (p *fakePeer) ConnectToHIDDevice() bool          { return p.wantHID }
func (p *fakePeer) ClearConnectToHIDDevice()          { p.wantHID = false }
func (p *fakePeer) ClaimL2CAP()                       { p.claimed = true }
func (p *fakePeer) ReleaseL2CAP()                     { p.claimed = false }

type captureWriter struct{ buf bytes.Buffer }

func (w *captureWriter) Write(b []byte) (int, error) { return w.buf.Write(b) }

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(bytes.NewBuffer(nil))
	return logrus.NewEntry(l)
}

// TestPeerInitiatedBringUp drives the "peer initiates" orientation:
// incoming Connection Request for HID Control, then HID Interrupt,
// each followed by our Configuration Request and the peer's
// Configuration Response.
func TestPeerInitiatedBringUp(t *testing.T) {
	peer := &fakePeer{handle: 0x0001, connected: true}
	w := &captureWriter{}
	m := New(peer, w, discardLogger())

	sendFrame := func(code uint8, id uint8, params []byte) {
		cmd := sig.BuildSignallingCommand(code, id, params)
		if err := m.HandleFrame(sig.SignallingCID, cmd); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}
	marshal := func(n int, fn func([]byte)) []byte {
		b := make([]byte, n)
		fn(b)
		return b
	}

	// Peer requests the HID Control channel — answered with Pending
	// immediately, Success only arrives on the next Tick.
	sendFrame(sig.ConnectionRequest, 1, marshal(4, func(b []byte) {
		sig.ConnectionRequestParams{PSM: sig.PSMHIDControl, SCID: 0x0050}.Marshal(b)
	}))
	if m.state != StateControlConnectPending {
		t.Fatalf("state after control connect request = %v, want CONTROL_CONNECT_PENDING", m.state)
	}
	if !peer.claimed {
		t.Fatalf("peer.ClaimL2CAP was not called")
	}
	if w.buf.Len() == 0 {
		t.Fatalf("no Pending response written")
	}
	w.buf.Reset()

	m.Tick()
	if m.state != StateControlConfigRequest {
		t.Fatalf("state after tick = %v, want CONTROL_CONFIG_REQUEST", m.state)
	}
	if w.buf.Len() == 0 {
		t.Fatalf("no Success response/Configuration Request written on tick")
	}

	// Peer answers our Configuration Request.
	sendFrame(sig.ConfigurationResponse, 2, marshal(6, func(b []byte) {
		sig.ConfigurationResponseParams{SCID: m.controlDCID, Result: sig.ResultSuccess}.Marshal(b)
	}))
	if m.state != StateInterruptSetup {
		t.Fatalf("state after control config response = %v, want INTERRUPT_SETUP", m.state)
	}

	// Peer requests the HID Interrupt channel — same Pending/Success split.
	sendFrame(sig.ConnectionRequest, 3, marshal(4, func(b []byte) {
		sig.ConnectionRequestParams{PSM: sig.PSMHIDInterrupt, SCID: 0x0051}.Marshal(b)
	}))
	if m.state != StateInterruptConnectPending {
		t.Fatalf("state after interrupt connect request = %v, want INTERRUPT_CONNECT_PENDING", m.state)
	}

	m.Tick()
	if m.state != StateInterruptConfigRequest {
		t.Fatalf("state after tick = %v, want INTERRUPT_CONFIG_REQUEST", m.state)
	}

	sendFrame(sig.ConfigurationResponse, 4, marshal(6, func(b []byte) {
		sig.ConfigurationResponseParams{SCID: m.interruptDCID, Result: sig.ResultSuccess}.Marshal(b)
	}))
	if m.state != StateDone {
		t.Fatalf("state after interrupt config response = %v, want DONE", m.state)
	}
}

// TestPeerInitiatedControlResponseFieldsAreNotSwapped pins down the
// Connection Response wire layout for the "peer initiates" path:
// Destination CID is our own new channel, Source CID echoes the
// peer's requested SCID.
func TestPeerInitiatedControlResponseFieldsAreNotSwapped(t *testing.T) {
	peer := &fakePeer{handle: 0x0001, connected: true}
	w := &captureWriter{}
	m := New(peer, w, discardLogger())

	cmd := sig.BuildSignallingCommand(sig.ConnectionRequest, 1, func() []byte {
		b := make([]byte, 4)
		sig.ConnectionRequestParams{PSM: sig.PSMHIDControl, SCID: 0x0045}.Marshal(b)
		return b
	}())
	if err := m.HandleFrame(sig.SignallingCID, cmd); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	var rp sig.ConnectionResponseParams
	if err := rp.Unmarshal(w.buf.Bytes()[13:21]); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if rp.Result != sig.ResultPending {
		t.Errorf("first response Result = %#x, want Pending", rp.Result)
	}
	if rp.DCID != sig.LocalControlCID {
		t.Errorf("DCID = %#x, want our own local CID %#x", rp.DCID, sig.LocalControlCID)
	}
	if rp.SCID != 0x0045 {
		t.Errorf("SCID = %#x, want peer's echoed SCID 0x0045", rp.SCID)
	}
}

func TestHIDInputForwardedOnInterruptChannel(t *testing.T) {
	peer := &fakePeer{handle: 0x0001, connected: true}
	w := &captureWriter{}
	m := New(peer, w, discardLogger())

	var got []byte
	m.OnHIDInput = func(report []byte) { got = report }

	report := []byte{0xA1, 0x01, 0x02, 0x03}
	if err := m.HandleFrame(sig.LocalInterruptCID, report); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	want := []byte{0x01, 0x02, 0x03}
	if !bytes.Equal(got, want) {
		t.Errorf("forwarded report = %X, want %X", got, want)
	}
}

func TestWeInitiateBringUpAfterPairing(t *testing.T) {
	peer := &fakePeer{handle: 0x0001, connected: true, wantHID: true}
	w := &captureWriter{}
	m := New(peer, w, discardLogger())

	m.Tick()
	if m.state != StateControlConnectRequest {
		t.Fatalf("state = %v, want CONTROL_CONNECT_REQUEST", m.state)
	}
	if peer.wantHID {
		t.Errorf("ConnectToHIDDevice flag was not cleared")
	}
	if w.buf.Len() == 0 {
		t.Errorf("no frame written for Connection Request")
	}
}

package sig

import (
	"encoding/hex"
	"testing"
)

func TestACLHeaderRoundTrip(t *testing.T) {
	want := ACLHeader{Handle: 0x0041, PB: FirstNonFlushableHostToController, BC: 0, Dlen: 8}
	b := make([]byte, 4)
	want.Marshal(b)

	var got ACLHeader
	if err := got.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Errorf("got %+v want %+v", got, want)
	}
}

func TestACLHeaderPacksFlagsIntoHandleField(t *testing.T) {
	h := ACLHeader{Handle: 0x0001, PB: 0x2, BC: 0x0, Dlen: 0}
	b := make([]byte, 4)
	h.Marshal(b)
	if hex.EncodeToString(b[0:2]) != "0120" {
		t.Errorf("handle field bytes = %x, want 0120", b[0:2])
	}
}

func TestBuildACLFrameAndDecode(t *testing.T) {
	payload := BuildSignallingCommand(ConnectionRequest, 1,
		func() []byte {
			p := ConnectionRequestParams{PSM: PSMHIDControl, SCID: LocalControlCID}
			b := make([]byte, 4)
			p.Marshal(b)
			return b
		}())
	frame := BuildACLFrame(0x0001, SignallingCID, payload)

	if frame[0] != 0x02 {
		t.Fatalf("frame type byte = %#x, want 0x02", frame[0])
	}

	var ah ACLHeader
	if err := ah.Unmarshal(frame[1:5]); err != nil {
		t.Fatalf("ACLHeader.Unmarshal: %v", err)
	}
	if ah.Handle != 0x0001 {
		t.Errorf("handle = %#x, want 0x0001", ah.Handle)
	}

	var lh L2CAPHeader
	if err := lh.Unmarshal(frame[5:9]); err != nil {
		t.Fatalf("L2CAPHeader.Unmarshal: %v", err)
	}
	if lh.CID != SignallingCID {
		t.Errorf("cid = %#x, want signalling CID", lh.CID)
	}
	if int(lh.Length) != len(payload) {
		t.Errorf("length = %d, want %d", lh.Length, len(payload))
	}

	var sh SigHeader
	if err := sh.Unmarshal(frame[9:]); err != nil {
		t.Fatalf("SigHeader.Unmarshal: %v", err)
	}
	if sh.Code != ConnectionRequest || sh.ID != 1 {
		t.Errorf("sig header = %+v", sh)
	}

	var p ConnectionRequestParams
	if err := p.Unmarshal(frame[13:]); err != nil {
		t.Fatalf("ConnectionRequestParams.Unmarshal: %v", err)
	}
	if p.PSM != PSMHIDControl || p.SCID != LocalControlCID {
		t.Errorf("params = %+v", p)
	}
}

func TestConfigurationRequestParamsCarriesMTUOption(t *testing.T) {
	p := ConfigurationRequestParams{DCID: 0x0040, MTU: 0xFFFF}
	b := make([]byte, p.Len())
	p.Marshal(b)

	var got ConfigurationRequestParams
	if err := got.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.DCID != p.DCID || got.MTU != p.MTU {
		t.Errorf("got %+v want %+v", got, p)
	}
}

package event

import (
	"encoding/hex"
	"testing"
)

func decodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decodeHex(%q): %v", s, err)
	}
	return b
}

// TestInquiryResultMultipleResponsesUsesStandardLayout guards against
// regressing to the firmware's offset formula, which only happens to
// agree with the standard HCI layout for a single response.
func TestInquiryResultMultipleResponsesUsesStandardLayout(t *testing.T) {
	// Two responses. BD_ADDRs: 010203040506, 112233445566.
	// Page_Scan_Repetition_Mode: 01, 02. Reserved: 0000, 0000.
	// Class_of_Device: 800104 (mouse-filter match), 000000.
	// Clock_Offset: 0000, 0000.
	b := decodeHex(t, ""+
		"02"+ // num responses
		"010203040506"+"112233445566"+ // BD_ADDR[2]
		"01"+"02"+ // page scan repetition mode[2]
		"0000"+"0000"+ // reserved[2]
		"800104"+"000000"+ // class of device[2]
		"0000"+"0000") // clock offset[2]

	var ep InquiryResultEP
	if err := ep.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ep.NumResponses != 2 {
		t.Fatalf("NumResponses = %d, want 2", ep.NumResponses)
	}
	want0 := [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	want1 := [6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	if ep.BDADDR[0] != want0 {
		t.Errorf("BDADDR[0] = %x, want %x", ep.BDADDR[0], want0)
	}
	if ep.BDADDR[1] != want1 {
		t.Errorf("BDADDR[1] = %x, want %x", ep.BDADDR[1], want1)
	}
	wantClass0 := [3]byte{0x80, 0x01, 0x04}
	if ep.ClassOfDevice[0] != wantClass0 {
		t.Errorf("ClassOfDevice[0] = %x, want %x", ep.ClassOfDevice[0], wantClass0)
	}
	wantClass1 := [3]byte{0x00, 0x00, 0x00}
	if ep.ClassOfDevice[1] != wantClass1 {
		t.Errorf("ClassOfDevice[1] = %x, want %x (not the firmware's buggy offset)", ep.ClassOfDevice[1], wantClass1)
	}
}

func TestCommandCompleteEPUnmarshal(t *testing.T) {
	// 1 allowed packet, opcode 0x0c03 (Reset), return params: status 00.
	b := decodeHex(t, "01030c00")
	var ep CommandCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ep.NumHCICommandPackets != 1 {
		t.Errorf("NumHCICommandPackets = %d, want 1", ep.NumHCICommandPackets)
	}
	if ep.CommandOPCode != 0x0c03 {
		t.Errorf("CommandOPCode = %#x, want 0x0c03", ep.CommandOPCode)
	}
	if len(ep.ReturnParameters) != 1 || ep.ReturnParameters[0] != 0x00 {
		t.Errorf("ReturnParameters = % X, want [00]", ep.ReturnParameters)
	}
}

func TestConnectionRequestEPUnmarshal(t *testing.T) {
	b := decodeHex(t, "0102030405068001040d")
	var ep ConnectionRequestEP
	if err := ep.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if ep.BDADDR != want {
		t.Errorf("BDADDR = %x, want %x", ep.BDADDR, want)
	}
	if ep.LinkType != 0x0d {
		t.Errorf("LinkType = %#x, want 0x0d", ep.LinkType)
	}
}

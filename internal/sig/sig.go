// Package sig implements the ACL/L2CAP framing and the L2CAP
// signalling-channel command codec used to bring up the HID control
// and interrupt channels.
package sig

import (
	"encoding/binary"
	"errors"
)

// Fixed channel identifiers and PSMs (Bluetooth Core Spec Vol 3, Part A).
const (
	SignallingCID = 0x0001

	PSMHIDControl   = 0x0011
	PSMHIDInterrupt = 0x0013

	LocalControlCID   = 0x0040
	LocalInterruptCID = 0x0041
)

// Signalling command codes.
const (
	CommandReject        = 0x01
	ConnectionRequest     = 0x02
	ConnectionResponse    = 0x03
	ConfigurationRequest  = 0x04
	ConfigurationResponse = 0x05
	DisconnectRequest     = 0x06
	DisconnectResponse    = 0x07
)

// Connection Response result codes.
const (
	ResultSuccess = 0x0000
	ResultPending = 0x0001
)

// ACLHeader carries the handle (low 12 bits) plus Packet Boundary (bits
// 12-13) and Broadcast (bits 14-15) flags, per Core Spec Vol 2, Part E.
type ACLHeader struct {
	Handle uint16 // 12-bit connection handle
	PB     uint8  // packet boundary flag
	BC     uint8  // broadcast flag
	Dlen   uint16 // L2CAP payload length that follows
}

// FirstNonFlushableHostToController is the PB value (0b10) this stack
// always uses on outbound frames, per spec.md §4.1.
const FirstNonFlushableHostToController = 0x2

// Marshal writes the 4-byte ACL header (handle+flags, dlen) to b.
func (h ACLHeader) Marshal(b []byte) {
	hf := (h.Handle & 0x0FFF) | (uint16(h.PB&0x3) << 12) | (uint16(h.BC&0x3) << 14)
	binary.LittleEndian.PutUint16(b[0:2], hf)
	binary.LittleEndian.PutUint16(b[2:4], h.Dlen)
}

// Unmarshal decodes the 4-byte ACL header from b.
func (h *ACLHeader) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return errors.New("sig: short ACL header")
	}
	hf := binary.LittleEndian.Uint16(b[0:2])
	h.Handle = hf & 0x0FFF
	h.PB = uint8((hf >> 12) & 0x3)
	h.BC = uint8((hf >> 14) & 0x3)
	h.Dlen = binary.LittleEndian.Uint16(b[2:4])
	return nil
}

// L2CAPHeader is the (length, cid) prefix of every L2CAP frame.
type L2CAPHeader struct {
	Length uint16
	CID    uint16
}

func (h L2CAPHeader) Marshal(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], h.Length)
	binary.LittleEndian.PutUint16(b[2:4], h.CID)
}

func (h *L2CAPHeader) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return errors.New("sig: short L2CAP header")
	}
	h.Length = binary.LittleEndian.Uint16(b[0:2])
	h.CID = binary.LittleEndian.Uint16(b[2:4])
	return nil
}

// SigHeader is the 4-byte code+identifier+length prefix of every
// signalling command on CID 0x0001.
type SigHeader struct {
	Code   uint8
	ID     uint8
	Length uint16
}

func (h SigHeader) Marshal(b []byte) {
	b[0] = h.Code
	b[1] = h.ID
	binary.LittleEndian.PutUint16(b[2:4], h.Length)
}

func (h *SigHeader) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return errors.New("sig: short signalling header")
	}
	h.Code = b[0]
	h.ID = b[1]
	h.Length = binary.LittleEndian.Uint16(b[2:4])
	return nil
}

// ConnectionRequest (0x02) parameters.
type ConnectionRequestParams struct {
	PSM uint16
	SCID uint16
}

func (p ConnectionRequestParams) Marshal(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], p.PSM)
	binary.LittleEndian.PutUint16(b[2:4], p.SCID)
}

func (p *ConnectionRequestParams) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return errors.New("sig: short ConnectionRequest params")
	}
	p.PSM = binary.LittleEndian.Uint16(b[0:2])
	p.SCID = binary.LittleEndian.Uint16(b[2:4])
	return nil
}

// ConnectionResponse (0x03) parameters.
type ConnectionResponseParams struct {
	DCID   uint16
	SCID   uint16
	Result uint16
	Status uint16
}

func (p ConnectionResponseParams) Marshal(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], p.DCID)
	binary.LittleEndian.PutUint16(b[2:4], p.SCID)
	binary.LittleEndian.PutUint16(b[4:6], p.Result)
	binary.LittleEndian.PutUint16(b[6:8], p.Status)
}

func (p *ConnectionResponseParams) Unmarshal(b []byte) error {
	if len(b) < 8 {
		return errors.New("sig: short ConnectionResponse params")
	}
	p.DCID = binary.LittleEndian.Uint16(b[0:2])
	p.SCID = binary.LittleEndian.Uint16(b[2:4])
	p.Result = binary.LittleEndian.Uint16(b[4:6])
	p.Status = binary.LittleEndian.Uint16(b[6:8])
	return nil
}

// ConfigurationRequest (0x04) parameters: this stack only ever sends
// the MTU option, 0xFFFF, matching spec.md §4.1.
type ConfigurationRequestParams struct {
	DCID  uint16
	Flags uint16
	MTU   uint16
}

func (p ConfigurationRequestParams) Marshal(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], p.DCID)
	binary.LittleEndian.PutUint16(b[2:4], p.Flags)
	b[4] = 0x01 // option type: MTU
	b[5] = 0x02 // option length
	binary.LittleEndian.PutUint16(b[6:8], p.MTU)
}

func (p ConfigurationRequestParams) Len() int { return 8 }

func (p *ConfigurationRequestParams) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return errors.New("sig: short ConfigurationRequest params")
	}
	p.DCID = binary.LittleEndian.Uint16(b[0:2])
	p.Flags = binary.LittleEndian.Uint16(b[2:4])
	if len(b) >= 8 && b[4] == 0x01 {
		p.MTU = binary.LittleEndian.Uint16(b[6:8])
	}
	return nil
}

// ConfigurationResponse (0x05) parameters. Result 0x0000 is Success.
type ConfigurationResponseParams struct {
	SCID   uint16
	Flags  uint16
	Result uint16
}

func (p ConfigurationResponseParams) Marshal(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], p.SCID)
	binary.LittleEndian.PutUint16(b[2:4], p.Flags)
	binary.LittleEndian.PutUint16(b[4:6], p.Result)
}

func (p ConfigurationResponseParams) Len() int { return 6 }

func (p *ConfigurationResponseParams) Unmarshal(b []byte) error {
	if len(b) < 6 {
		return errors.New("sig: short ConfigurationResponse params")
	}
	p.SCID = binary.LittleEndian.Uint16(b[0:2])
	p.Flags = binary.LittleEndian.Uint16(b[2:4])
	p.Result = binary.LittleEndian.Uint16(b[4:6])
	return nil
}

// DisconnectParams is shared by Disconnect Request/Response (0x06/0x07).
type DisconnectParams struct {
	DCID uint16
	SCID uint16
}

func (p DisconnectParams) Marshal(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], p.DCID)
	binary.LittleEndian.PutUint16(b[2:4], p.SCID)
}

func (p *DisconnectParams) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return errors.New("sig: short Disconnect params")
	}
	p.DCID = binary.LittleEndian.Uint16(b[0:2])
	p.SCID = binary.LittleEndian.Uint16(b[2:4])
	return nil
}

// BuildACLFrame assembles a full HCI ACL frame (type byte + ACL header
// + L2CAP header + payload) ready to write to the transport.
func BuildACLFrame(handle uint16, cid uint16, payload []byte) []byte {
	l2capLen := 4 + len(payload) // L2CAP header (len+cid) counts toward Dlen per this stack's framing
	b := make([]byte, 1+4+4+len(payload))
	b[0] = 0x02 // hci.TypACLDataPkt; avoided importing hci here to keep sig leaf-level
	hdr := ACLHeader{Handle: handle, PB: FirstNonFlushableHostToController, Dlen: uint16(l2capLen)}
	hdr.Marshal(b[1:5])
	l2 := L2CAPHeader{Length: uint16(len(payload)), CID: cid}
	l2.Marshal(b[5:9])
	copy(b[9:], payload)
	return b
}

// BuildSignallingCommand assembles the 4-byte signalling header plus
// marshaled params into one CID-0x0001 payload.
func BuildSignallingCommand(code, id uint8, params []byte) []byte {
	b := make([]byte, 4+len(params))
	SigHeader{Code: code, ID: id, Length: uint16(len(params))}.Marshal(b)
	copy(b[4:], params)
	return b
}

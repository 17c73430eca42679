// Package cmd implements the HCI command codec and an async
// send/complete matcher: each command is marshaled into its own
// buffer and written in the order it was handed over, several commands
// may be pending at once, and each completion is delivered back to its
// sender by matching its opcode against the pending commands. Every
// mutation of the pending-command set and every write to the
// transport happens on the single goroutine processCmdEvents runs on;
// Send and SendAsync only ever hand requests across a channel, so they
// may be called from any number of goroutines without racing each
// other or the event-matching loop.
package cmd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/nbridges/bthid/internal/event"
	"github.com/nbridges/bthid/internal/hci"
)

// CmdParam is implemented by every HCI command parameter block.
type CmdParam interface {
	Marshal([]byte)
	Opcode() Opcode
	Len() int
}

func NewCmd(d io.Writer, log *logrus.Entry) *Cmd {
	c := &Cmd{
		dev:     d,
		log:     log,
		sent:    []*cmdPkt{},
		sendc:   make(chan *cmdPkt),
		compc:   make(chan event.CommandCompleteEP),
		statusc: make(chan event.CommandStatusEP),
	}
	go c.processCmdEvents()
	return c
}

type cmdPkt struct {
	op   Opcode
	cp   CmdParam
	done chan sendResult
}

type sendResult struct {
	data []byte
	err  error
}

func (c cmdPkt) marshal() []byte {
	b := make([]byte, 1+2+1+c.cp.Len())
	b[0] = byte(hci.TypCommandPkt)
	b[1], b[2] = byte(c.op), byte(c.op>>8)
	b[3] = byte(c.cp.Len())
	c.cp.Marshal(b[4:])
	return b
}

// Cmd serializes outbound HCI commands and matches inbound Command
// Complete / Command Status events back to their sender. sent, and the
// write to dev, are touched only inside processCmdEvents — Send and
// SendAsync hand a request across sendc rather than mutating either
// directly, so concurrent callers never race each other.
type Cmd struct {
	dev     io.Writer
	log     *logrus.Entry
	sent    []*cmdPkt
	sendc   chan *cmdPkt
	compc   chan event.CommandCompleteEP
	statusc chan event.CommandStatusEP
}

// HandleComplete decodes a Command Complete event and routes it to the
// pending sender.
func (c *Cmd) HandleComplete(b []byte) error {
	var ep event.CommandCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	c.compc <- ep
	return nil
}

// HandleStatus decodes a Command Status event and routes it to the
// pending sender.
func (c *Cmd) HandleStatus(b []byte) error {
	var ep event.CommandStatusEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	c.statusc <- ep
	return nil
}

// Send hands cp to the command-processing goroutine and blocks until
// the matching Command Complete return parameters arrive.
func (c *Cmd) Send(cp CmdParam) ([]byte, error) {
	p := &cmdPkt{op: cp.Opcode(), cp: cp, done: make(chan sendResult, 1)}
	c.sendc <- p
	r := <-p.done
	return r.data, r.err
}

// SendAsync hands cp to the command-processing goroutine without
// waiting for its completion. The caller observes completion later
// through its own bookkeeping (hcilink's edge-triggered flags, matched
// by opcode in handleCommandComplete) instead of blocking here — this
// lets a single-threaded state machine issue a command from within its
// own Tick without deadlocking on its own reply.
func (c *Cmd) SendAsync(cp CmdParam) {
	c.sendc <- &cmdPkt{op: cp.Opcode(), cp: cp, done: make(chan sendResult, 1)}
}

// SendAndCheckResp sends cp and verifies the first byte of the return
// parameters (the command's own status) is one of exp.
func (c *Cmd) SendAndCheckResp(cp CmdParam, exp []byte) error {
	rsp, err := c.Send(cp)
	if err != nil {
		return err
	}
	if len(exp) == 0 {
		return nil
	}
	if len(rsp) == 0 || !bytes.Contains(exp, rsp[0:1]) {
		return fmt.Errorf("cmd: %s returned unexpected status, expected one of %X", cp.Opcode(), exp)
	}
	return nil
}

func (c *Cmd) processCmdEvents() {
	for {
		select {
		case p := <-c.sendc:
			raw := p.marshal()
			c.log.WithFields(logrus.Fields{
				"opcode": p.op, "ogf": p.op.ogf(), "ocf": p.op.ocf(), "plen": len(raw) - 4,
			}).Debug("< HCI command")
			n, err := c.dev.Write(raw)
			if err != nil {
				p.done <- sendResult{err: err}
				continue
			}
			if n != len(raw) {
				p.done <- sendResult{err: errors.New("cmd: short write to HCI transport")}
				continue
			}
			c.sent = append(c.sent, p)
		case status := <-c.statusc:
			found := false
			for i, p := range c.sent {
				if uint16(p.op) == status.CommandOpcode {
					found = true
					c.sent = append(c.sent[:i], c.sent[i+1:]...)
					p.done <- sendResult{}
					break
				}
			}
			if !found {
				c.log.WithField("opcode", status.CommandOpcode).Warn("cmd: no pending command for status event")
			}
		case comp := <-c.compc:
			found := false
			for i, p := range c.sent {
				if uint16(p.op) == comp.CommandOPCode {
					found = true
					c.sent = append(c.sent[:i], c.sent[i+1:]...)
					p.done <- sendResult{data: comp.ReturnParameters}
					break
				}
			}
			if !found {
				c.log.WithField("opcode", comp.CommandOPCode).Warn("cmd: no pending command for complete event")
			}
		}
	}
}

// OGF values used by the commands this stack issues.
const (
	linkCtl   = 0x01
	hostCtl   = 0x03
	infoParam = 0x04
)

// Opcode is the 16-bit (OGF<<10 | OCF) command identifier.
type Opcode uint16

func (op Opcode) ogf() uint8    { return uint8((uint16(op) & 0xFC00) >> 10) }
func (op Opcode) ocf() uint16   { return uint16(op) & 0x03FF }
func (op Opcode) String() string { return opName[op] }

const (
	opInquiry           = Opcode(linkCtl<<10 | 0x0001)
	opInquiryCancel     = Opcode(linkCtl<<10 | 0x0002)
	opCreateConn        = Opcode(linkCtl<<10 | 0x0005)
	opDisconnect        = Opcode(linkCtl<<10 | 0x0006)
	opAcceptConnReq     = Opcode(linkCtl<<10 | 0x0009)
	opLinkKeyNegReply   = Opcode(linkCtl<<10 | 0x000C)
	opPinCodeReply      = Opcode(linkCtl<<10 | 0x000D)
	opPinCodeNegReply   = Opcode(linkCtl<<10 | 0x000E)
	opAuthRequested     = Opcode(linkCtl<<10 | 0x0011)
	opRemoteNameReq     = Opcode(linkCtl<<10 | 0x0019)

	opReset               = Opcode(hostCtl<<10 | 0x0003)
	opWriteLocalName      = Opcode(hostCtl<<10 | 0x0013)
	opWriteScanEnable     = Opcode(hostCtl<<10 | 0x001A)
	opWriteClassOfDevice  = Opcode(hostCtl<<10 | 0x0024)

	opReadLocalVersion = Opcode(infoParam<<10 | 0x0001)
	opReadBDADDR       = Opcode(infoParam<<10 | 0x0009)
)

// Exported aliases for the opcodes callers need to branch on directly
// (e.g. hcilink matching a Command Complete's CommandOPCode field).
const (
	OpReadBDADDR       = opReadBDADDR
	OpReadLocalVersion = opReadLocalVersion
)

var opName = map[Opcode]string{
	opInquiry:            "Inquiry",
	opInquiryCancel:      "Inquiry Cancel",
	opCreateConn:         "Create Connection",
	opDisconnect:         "Disconnect",
	opAcceptConnReq:      "Accept Connection Request",
	opLinkKeyNegReply:    "Link Key Request Negative Reply",
	opPinCodeReply:       "PIN Code Request Reply",
	opPinCodeNegReply:    "PIN Code Request Negative Reply",
	opAuthRequested:      "Authentication Requested",
	opRemoteNameReq:      "Remote Name Request",
	opReset:              "Reset",
	opWriteLocalName:     "Change Local Name",
	opWriteScanEnable:    "Write Scan Enable",
	opWriteClassOfDevice: "Write Class of Device",
	opReadLocalVersion:   "Read Local Version Information",
	opReadBDADDR:         "Read BD_ADDR",
}

type order struct{ binary.ByteOrder }

var o = order{binary.LittleEndian}

func (o order) PutUint8(b []byte, v uint8) { b[0] = v }
func (o order) PutBDADDR(b []byte, m [6]byte) {
	b[0], b[1], b[2], b[3], b[4], b[5] = m[0], m[1], m[2], m[3], m[4], m[5]
}

// Reset (OGF 3, OCF 0x003) — no parameters.
type Reset struct{}

func (c Reset) Opcode() Opcode   { return opReset }
func (c Reset) Len() int         { return 0 }
func (c Reset) Marshal(b []byte) {}

// WriteClassOfDevice (OGF 3, OCF 0x024).
type WriteClassOfDevice struct{ ClassOfDevice [3]byte }

func (c WriteClassOfDevice) Opcode() Opcode   { return opWriteClassOfDevice }
func (c WriteClassOfDevice) Len() int         { return 3 }
func (c WriteClassOfDevice) Marshal(b []byte) { copy(b, c.ClassOfDevice[:]) }

// WriteScanEnable (OGF 3, OCF 0x01A). Mode: 0x00 none, 0x02 page-only,
// 0x03 page+inquiry.
type WriteScanEnable struct{ ScanEnable uint8 }

func (c WriteScanEnable) Opcode() Opcode   { return opWriteScanEnable }
func (c WriteScanEnable) Len() int         { return 1 }
func (c WriteScanEnable) Marshal(b []byte) { b[0] = c.ScanEnable }

// ChangeLocalName (OGF 3, OCF 0x013) — null-terminated UTF-8, zero
// padded to 248 bytes.
type ChangeLocalName struct{ Name string }

func (c ChangeLocalName) Opcode() Opcode { return opWriteLocalName }
func (c ChangeLocalName) Len() int       { return 248 }
func (c ChangeLocalName) Marshal(b []byte) {
	n := copy(b, c.Name)
	if n < len(b) {
		b[n] = 0
	}
}

// ReadBDADDR (OGF 4, OCF 0x009) — no parameters.
type ReadBDADDR struct{}

func (c ReadBDADDR) Opcode() Opcode   { return opReadBDADDR }
func (c ReadBDADDR) Len() int         { return 0 }
func (c ReadBDADDR) Marshal(b []byte) {}

type ReadBDADDRRP struct {
	Status uint8
	BDADDR [6]byte
}

// ReadLocalVersion (OGF 4, OCF 0x001) — no parameters.
type ReadLocalVersion struct{}

func (c ReadLocalVersion) Opcode() Opcode   { return opReadLocalVersion }
func (c ReadLocalVersion) Len() int         { return 0 }
func (c ReadLocalVersion) Marshal(b []byte) {}

type ReadLocalVersionRP struct {
	Status          uint8
	HCIVersion      uint8
	HCIRevision     uint16
	LMPVersion      uint8
	ManufacturerName uint16
	LMPSubversion   uint16
}

// Inquiry (OGF 1, OCF 0x001). LAP is fixed to the General/Unlimited
// Inquiry Access Code; length and max responses are spec constants.
type Inquiry struct {
	LAP            [3]byte
	InquiryLength  uint8
	NumResponses   uint8
}

func (c Inquiry) Opcode() Opcode { return opInquiry }
func (c Inquiry) Len() int       { return 5 }
func (c Inquiry) Marshal(b []byte) {
	copy(b[0:3], c.LAP[:])
	b[3] = c.InquiryLength
	b[4] = c.NumResponses
}

// DefaultInquiry is the command this stack always issues: GIAC LAP
// 0x9E8B33, 61.44s max duration, up to 10 responses.
func DefaultInquiry() Inquiry {
	return Inquiry{LAP: [3]byte{0x33, 0x8B, 0x9E}, InquiryLength: 0x30, NumResponses: 0x0A}
}

// InquiryCancel (OGF 1, OCF 0x002) — no parameters.
type InquiryCancel struct{}

func (c InquiryCancel) Opcode() Opcode   { return opInquiryCancel }
func (c InquiryCancel) Len() int         { return 0 }
func (c InquiryCancel) Marshal(b []byte) {}

type InquiryCancelRP struct{ Status uint8 }

// CreateConnection (OGF 1, OCF 0x005).
type CreateConnection struct {
	BDADDR               [6]byte
	PacketType           uint16
	PageScanRepetitionMode uint8
	Reserved             uint8
	ClockOffset          uint16
	AllowRoleSwitch      uint8
}

// PacketTypeMask is DM1+DH1+DM3+DH3+DM5+DH5, per spec.md §4.1.
const PacketTypeMask = 0x0008 | 0x0010 | 0x0400 | 0x0800 | 0x4000 | 0x8000

func (c CreateConnection) Opcode() Opcode { return opCreateConn }
func (c CreateConnection) Len() int       { return 13 }
func (c CreateConnection) Marshal(b []byte) {
	o.PutBDADDR(b[0:], c.BDADDR)
	o.PutUint16(b[6:], c.PacketType)
	o.PutUint8(b[8:], c.PageScanRepetitionMode)
	o.PutUint8(b[9:], c.Reserved)
	o.PutUint16(b[10:], c.ClockOffset)
	o.PutUint8(b[12:], c.AllowRoleSwitch)
}

// AcceptConnectionRequest (OGF 1, OCF 0x009). Role 0 requests master.
type AcceptConnectionRequest struct {
	BDADDR [6]byte
	Role   uint8
}

func (c AcceptConnectionRequest) Opcode() Opcode { return opAcceptConnReq }
func (c AcceptConnectionRequest) Len() int       { return 7 }
func (c AcceptConnectionRequest) Marshal(b []byte) {
	o.PutBDADDR(b[0:], c.BDADDR)
	b[6] = c.Role
}

// AuthenticationRequested (OGF 1, OCF 0x011).
type AuthenticationRequested struct{ ConnectionHandle uint16 }

func (c AuthenticationRequested) Opcode() Opcode   { return opAuthRequested }
func (c AuthenticationRequested) Len() int         { return 2 }
func (c AuthenticationRequested) Marshal(b []byte) { o.PutUint16(b, c.ConnectionHandle) }

// Disconnect (OGF 1, OCF 0x006). Reason 0x13 is "Remote User
// Terminated Connection".
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (c Disconnect) Opcode() Opcode { return opDisconnect }
func (c Disconnect) Len() int       { return 3 }
func (c Disconnect) Marshal(b []byte) {
	o.PutUint16(b[0:], c.ConnectionHandle)
	b[2] = c.Reason
}

// RemoteNameRequest (OGF 1, OCF 0x019).
type RemoteNameRequest struct {
	BDADDR                 [6]byte
	PageScanRepetitionMode uint8
	Reserved               uint8
	ClockOffset            uint16
}

func (c RemoteNameRequest) Opcode() Opcode { return opRemoteNameReq }
func (c RemoteNameRequest) Len() int       { return 10 }
func (c RemoteNameRequest) Marshal(b []byte) {
	o.PutBDADDR(b[0:], c.BDADDR)
	o.PutUint8(b[6:], c.PageScanRepetitionMode)
	o.PutUint8(b[7:], c.Reserved)
	o.PutUint16(b[8:], c.ClockOffset)
}

// PINCodeRequestReply (OGF 1, OCF 0x00D). PIN is zero-padded to 16
// bytes on the wire.
type PINCodeRequestReply struct {
	BDADDR   [6]byte
	PINLen   uint8
	PINCode  [16]byte
}

func (c PINCodeRequestReply) Opcode() Opcode { return opPinCodeReply }
func (c PINCodeRequestReply) Len() int       { return 23 }
func (c PINCodeRequestReply) Marshal(b []byte) {
	o.PutBDADDR(b[0:], c.BDADDR)
	b[6] = c.PINLen
	copy(b[7:], c.PINCode[:])
}

// NewPINCodeRequestReply zero-pads pin (right-padded) to 16 bytes.
func NewPINCodeRequestReply(bdaddr [6]byte, pin string) PINCodeRequestReply {
	var p [16]byte
	copy(p[:], pin)
	return PINCodeRequestReply{BDADDR: bdaddr, PINLen: uint8(len(pin)), PINCode: p}
}

// PINCodeRequestNegativeReply (OGF 1, OCF 0x00E).
type PINCodeRequestNegativeReply struct{ BDADDR [6]byte }

func (c PINCodeRequestNegativeReply) Opcode() Opcode   { return opPinCodeNegReply }
func (c PINCodeRequestNegativeReply) Len() int         { return 6 }
func (c PINCodeRequestNegativeReply) Marshal(b []byte) { o.PutBDADDR(b, c.BDADDR) }

// LinkKeyRequestNegativeReply (OGF 1, OCF 0x00C). Always used — this
// stack never retains link keys across resets.
type LinkKeyRequestNegativeReply struct{ BDADDR [6]byte }

func (c LinkKeyRequestNegativeReply) Opcode() Opcode   { return opLinkKeyNegReply }
func (c LinkKeyRequestNegativeReply) Len() int         { return 6 }
func (c LinkKeyRequestNegativeReply) Marshal(b []byte) { o.PutBDADDR(b, c.BDADDR) }

// Package event implements the HCI event codec: dispatch by event
// code, and decoders for the event parameter blocks this stack
// branches on.
package event

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// EventHandler processes one decoded event's parameter bytes.
type EventHandler interface {
	HandleEvent([]byte) error
}

type HandlerFunc func(b []byte) error

func (f HandlerFunc) HandleEvent(b []byte) error { return f(b) }

// Event dispatches inbound HCI event frames by event code.
type Event struct {
	log            *logrus.Entry
	evtHandlers    map[EventCode]EventHandler
	defaultHandler EventHandler
}

func NewEvent(log *logrus.Entry) *Event {
	return &Event{log: log, evtHandlers: map[EventCode]EventHandler{}}
}

func (e *Event) HandleEvent(c EventCode, h EventHandler) { e.evtHandlers[c] = h }

func (e *Event) HandleEventDefault(h EventHandler) { e.defaultHandler = h }

// Dispatch decodes the event header and routes the remaining
// parameter bytes to the registered handler for that code.
func (e *Event) Dispatch(b []byte) error {
	h := &EventHeader{}
	if err := h.Unmarshal(b); err != nil {
		return err
	}
	b = b[2:]
	if f, found := e.evtHandlers[h.Code]; found {
		e.log.WithFields(logrus.Fields{"event": h.Code, "plen": h.Plen}).Debug("> HCI event")
		return f.HandleEvent(b)
	}
	if e.defaultHandler != nil {
		return e.defaultHandler.HandleEvent(b)
	}
	e.log.WithField("event", h.Code).Debug("> HCI event: no handler registered")
	return nil
}

// EventCode identifies an HCI event (Core Spec Vol 2, Part E §7.7).
type EventCode uint8

const (
	InquiryComplete         EventCode = 0x01
	InquiryResult           EventCode = 0x02
	ConnectionComplete      EventCode = 0x03
	ConnectionRequest       EventCode = 0x04
	DisconnectionComplete   EventCode = 0x05
	AuthenticationComplete  EventCode = 0x06
	RemoteNameReqComplete   EventCode = 0x07
	CommandComplete         EventCode = 0x0E
	CommandStatus           EventCode = 0x0F
	PINCodeRequest          EventCode = 0x16
	LinkKeyRequest          EventCode = 0x17
	LinkKeyNotification     EventCode = 0x18
)

var eventName = map[EventCode]string{
	InquiryComplete:        "Inquiry Complete",
	InquiryResult:          "Inquiry Result",
	ConnectionComplete:     "Connection Complete",
	ConnectionRequest:      "Connection Request",
	DisconnectionComplete:  "Disconnection Complete",
	AuthenticationComplete: "Authentication Complete",
	RemoteNameReqComplete:  "Remote Name Request Complete",
	CommandComplete:        "Command Complete",
	CommandStatus:          "Command Status",
	PINCodeRequest:         "PIN Code Request",
	LinkKeyRequest:         "Link Key Request",
	LinkKeyNotification:    "Link Key Notification",
}

func (e EventCode) String() string {
	if n, ok := eventName[e]; ok {
		return n
	}
	return fmt.Sprintf("Unknown(0x%02X)", uint8(e))
}

// EventHeader is the two-byte code+length prefix common to every event.
type EventHeader struct {
	Code EventCode
	Plen uint8
}

func (h *EventHeader) Unmarshal(b []byte) error {
	if len(b) < 2 {
		return errors.New("event: malformed header")
	}
	h.Code = EventCode(b[0])
	h.Plen = b[1]
	if uint8(len(b)) != 2+h.Plen {
		return errors.New("event: header length mismatch")
	}
	return nil
}

// InquiryCompleteEP — EV_INQUIRY_COMPLETE parameters.
type InquiryCompleteEP struct{ Status uint8 }

func (ep *InquiryCompleteEP) Unmarshal(b []byte) error {
	if len(b) < 1 {
		return errors.New("event: short InquiryCompleteEP")
	}
	ep.Status = b[0]
	return nil
}

// InquiryResultEP — EV_INQUIRY_RESULT parameters, decoded using the
// standard HCI layout: all BD_ADDRs contiguous first, then one
// contiguous array per remaining field, each NumResponses long.
type InquiryResultEP struct {
	NumResponses           uint8
	BDADDR                 [][6]byte
	PageScanRepetitionMode []uint8
	ClassOfDevice          [][3]byte
	ClockOffset            []uint16
}

func (ep *InquiryResultEP) Unmarshal(b []byte) error {
	if len(b) < 1 {
		return errors.New("event: short InquiryResultEP")
	}
	n := int(b[0])
	ep.NumResponses = b[0]
	// offsets per Core Spec Vol 2, Part E §7.7.2:
	// BD_ADDR[n] (6), Page_Scan_Repetition_Mode[n] (1), Reserved[n] (2),
	// Class_of_Device[n] (3), Clock_Offset[n] (2).
	bdaddrOff := 1
	pageScanOff := bdaddrOff + 6*n
	reservedOff := pageScanOff + n
	classOff := reservedOff + 2*n
	clockOff := classOff + 3*n
	if len(b) < clockOff+2*n {
		return fmt.Errorf("event: InquiryResultEP too short for %d responses", n)
	}
	ep.BDADDR = make([][6]byte, n)
	ep.PageScanRepetitionMode = make([]uint8, n)
	ep.ClassOfDevice = make([][3]byte, n)
	ep.ClockOffset = make([]uint16, n)
	for i := 0; i < n; i++ {
		copy(ep.BDADDR[i][:], b[bdaddrOff+6*i:bdaddrOff+6*i+6])
		ep.PageScanRepetitionMode[i] = b[pageScanOff+i]
		copy(ep.ClassOfDevice[i][:], b[classOff+3*i:classOff+3*i+3])
		ep.ClockOffset[i] = binary.LittleEndian.Uint16(b[clockOff+2*i : clockOff+2*i+2])
	}
	return nil
}

// ConnectionCompleteEP — EV_CONNECT_COMPLETE parameters.
type ConnectionCompleteEP struct {
	Status           uint8
	ConnectionHandle uint16
	BDADDR           [6]byte
	LinkType         uint8
	EncryptionEnabled uint8
}

func (ep *ConnectionCompleteEP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep)
}

// ConnectionRequestEP — EV_INCOMING_CONNECT (Connection Request) parameters.
type ConnectionRequestEP struct {
	BDADDR        [6]byte
	ClassOfDevice [3]byte
	LinkType      uint8
}

func (ep *ConnectionRequestEP) Unmarshal(b []byte) error {
	if len(b) < 10 {
		return errors.New("event: short ConnectionRequestEP")
	}
	copy(ep.BDADDR[:], b[0:6])
	copy(ep.ClassOfDevice[:], b[6:9])
	ep.LinkType = b[9]
	return nil
}

// DisconnectionCompleteEP — EV_DISCONNECT_COMPLETE parameters.
type DisconnectionCompleteEP struct {
	Status           uint8
	ConnectionHandle uint16
	Reason           uint8
}

func (ep *DisconnectionCompleteEP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep)
}

// AuthenticationCompleteEP — EV_AUTH_COMPLETE parameters.
type AuthenticationCompleteEP struct {
	Status           uint8
	ConnectionHandle uint16
}

func (ep *AuthenticationCompleteEP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep)
}

// RemoteNameReqCompleteEP — EV_REMOTE_NAME_COMPLETE parameters.
type RemoteNameReqCompleteEP struct {
	Status uint8
	BDADDR [6]byte
	Name   [248]byte
}

func (ep *RemoteNameReqCompleteEP) Unmarshal(b []byte) error {
	if len(b) < 7 {
		return errors.New("event: short RemoteNameReqCompleteEP")
	}
	ep.Status = b[0]
	copy(ep.BDADDR[:], b[1:7])
	copy(ep.Name[:], b[7:])
	return nil
}

// PINCodeRequestEP — EV_PIN_CODE_REQUEST parameters.
type PINCodeRequestEP struct{ BDADDR [6]byte }

func (ep *PINCodeRequestEP) Unmarshal(b []byte) error {
	if len(b) < 6 {
		return errors.New("event: short PINCodeRequestEP")
	}
	copy(ep.BDADDR[:], b[0:6])
	return nil
}

// LinkKeyRequestEP — EV_LINK_KEY_REQUEST parameters.
type LinkKeyRequestEP struct{ BDADDR [6]byte }

func (ep *LinkKeyRequestEP) Unmarshal(b []byte) error {
	if len(b) < 6 {
		return errors.New("event: short LinkKeyRequestEP")
	}
	copy(ep.BDADDR[:], b[0:6])
	return nil
}

// CommandCompleteEP — EV_COMMAND_COMPLETE parameters.
type CommandCompleteEP struct {
	NumHCICommandPackets uint8
	CommandOPCode        uint16
	ReturnParameters      []byte
}

func (ep *CommandCompleteEP) Unmarshal(b []byte) error {
	buf := bytes.NewBuffer(b)
	if err := binary.Read(buf, binary.LittleEndian, &ep.NumHCICommandPackets); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.LittleEndian, &ep.CommandOPCode); err != nil {
		return err
	}
	ep.ReturnParameters = buf.Bytes()
	return nil
}

// CommandStatusEP — EV_COMMAND_STATUS parameters.
type CommandStatusEP struct {
	Status               uint8
	NumHCICommandPackets uint8
	CommandOpcode        uint16
}

func (ep *CommandStatusEP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep)
}

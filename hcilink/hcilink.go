// Package hcilink implements the outer HCI Link Manager state
// machine: controller bring-up, inquiry/page scanning, and ACL
// connection establishment with PIN-based legacy pairing.
//
// The machine is driven by two entry points that must never run
// concurrently with each other: Tick, called on a fixed period, and
// HandleEvent, called once per inbound HCI event frame. Callers are
// responsible for serializing the two (same goroutine, or a shared
// lock) — this package does no locking of its own, matching the
// cooperative, run-to-completion model described for this stack.
package hcilink

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/nbridges/bthid/errs"
	"github.com/nbridges/bthid/internal/cmd"
	"github.com/nbridges/bthid/internal/event"
)

// State is a step in the HCI Link Manager's bring-up and scanning loop.
type State int

const (
	StateInit State = iota
	StateReset
	StateClass
	StateBDAddr
	StateLocalVersion
	StateSetName
	StateCheckDeviceService
	StateInquiry
	StateConnectDevice
	StateConnectedDevice
	StateScanning
	StateConnectIn
	StateRemoteName
	StateConnected
	StateDone
	StateDisconnect
)

func (s State) String() string {
	names := [...]string{
		"INIT", "RESET", "CLASS", "BDADDR", "LOCAL_VERSION", "SET_NAME",
		"CHECK_DEVICE_SERVICE", "INQUIRY", "CONNECT_DEVICE", "CONNECTED_DEVICE",
		"SCANNING", "CONNECT_IN", "REMOTE_NAME", "CONNECTED", "DONE", "DISCONNECT",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// PeripheralKind names the HID peripheral class this stack filters for.
type PeripheralKind int

const (
	PeripheralUnknown PeripheralKind = iota
	PeripheralMouse
	PeripheralKeyboard
	PeripheralGamepad
)

func (k PeripheralKind) String() string {
	switch k {
	case PeripheralMouse:
		return "mouse"
	case PeripheralKeyboard:
		return "keyboard"
	case PeripheralGamepad:
		return "gamepad"
	default:
		return "unknown"
	}
}

// classifyHID reports whether a class-of-device triplet matches the
// HID filter, and which kind of peripheral it is.
//
// classOfDevice[0] holds the minor device class bits, classOfDevice[1]
// the major class bits — this stack accepts a match when
// (class[1] & 0x05) && (class[0] & 0xC8), per spec.md §4.3.
func classifyHID(class [3]byte) (bool, PeripheralKind) {
	if class[1]&0x05 == 0 || class[0]&0xC8 == 0 {
		return false, PeripheralUnknown
	}
	switch {
	case class[0]&0x80 != 0:
		return true, PeripheralMouse
	case class[0]&0x40 != 0:
		return true, PeripheralKeyboard
	case class[0]&0x08 != 0:
		return true, PeripheralGamepad
	default:
		return true, PeripheralUnknown
	}
}

// Config is the subset of startup configuration the HCI Link Manager
// consumes, per spec.md §6.
type Config struct {
	LocalName     string
	PIN           string
	ClassOfDevice [3]byte
}

const (
	initialResetThreshold = 100
	maxResetThreshold     = 2000
	resetEscalationFactor = 10
	maxEmptyInquiries     = 5
	doneGraceTicks        = 1000
)

// flags is the HCI event-flag set from spec.md §3, edge-triggered:
// cleared before issuing the command expected to set them.
type flags struct {
	cmdComplete        bool
	readBDAddr         bool
	readVersion        bool
	deviceFound        bool
	incomingRequest    bool
	remoteNameComplete bool
	connectEvent       bool
	connectComplete    bool
	disconnectComplete bool
}

func (f *flags) clearAll() { *f = flags{} }

const invalidHandle = 0xFFFF

// Link is the HCI Link Manager. It owns the controller's connection
// handle, local/peer addresses, and the HCI event-flag set, and emits
// commands through the supplied transport.
type Link struct {
	cfg Config
	log *logrus.Entry

	cmd   *cmd.Cmd
	event *event.Event

	state State
	flags flags

	ownBDAddr  [6]byte
	peerBDAddr [6]byte
	discBDAddr [6]byte
	discKind   PeripheralKind
	hciVersion uint8
	connHandle uint16

	initCounter      int
	resetThreshold   int
	inquiryCounter   int
	doneCounter      int
	createConnRetried bool

	waitingForConnection bool
	incomingHIDDevice    bool
	connectToHIDDevice   bool
	l2capConnectionClaimed bool
	controllerReady        bool

	// OnDisconnect is invoked whenever the link tears down (clean or
	// failed), so the L2CAP manager can reset in lock-step.
	OnDisconnect func()
}

// New builds a Link that writes outbound frames through w. Callers
// typically pass a transport-gated io.Writer (spec.md §4.2) rather
// than a raw socket directly.
func New(cfg Config, w io.Writer, log *logrus.Entry) *Link {
	l := &Link{
		cfg:        cfg,
		log:        log,
		state:      StateInit,
		connHandle: invalidHandle,
		resetThreshold: initialResetThreshold,
	}
	l.cmd = cmd.NewCmd(w, log.WithField("subcomponent", "cmd"))
	l.event = event.NewEvent(log.WithField("subcomponent", "event"))

	l.event.HandleEvent(event.CommandComplete, event.HandlerFunc(l.handleCommandComplete))
	l.event.HandleEvent(event.CommandStatus, event.HandlerFunc(l.cmd.HandleStatus))
	l.event.HandleEvent(event.InquiryResult, event.HandlerFunc(l.handleInquiryResult))
	l.event.HandleEvent(event.InquiryComplete, event.HandlerFunc(l.handleInquiryComplete))
	l.event.HandleEvent(event.ConnectionRequest, event.HandlerFunc(l.handleConnectionRequest))
	l.event.HandleEvent(event.ConnectionComplete, event.HandlerFunc(l.handleConnectionComplete))
	l.event.HandleEvent(event.DisconnectionComplete, event.HandlerFunc(l.handleDisconnectionComplete))
	l.event.HandleEvent(event.AuthenticationComplete, event.HandlerFunc(l.handleAuthenticationComplete))
	l.event.HandleEvent(event.RemoteNameReqComplete, event.HandlerFunc(l.handleRemoteNameComplete))
	l.event.HandleEvent(event.PINCodeRequest, event.HandlerFunc(l.handlePINCodeRequest))
	l.event.HandleEvent(event.LinkKeyRequest, event.HandlerFunc(l.handleLinkKeyRequest))
	return l
}

// HandleEvent dispatches one decoded HCI event frame. Must not run
// concurrently with Tick.
func (l *Link) HandleEvent(b []byte) error { return l.event.Dispatch(b) }

// State returns the current step in the bring-up/scanning loop.
func (l *Link) State() State { return l.state }

// ConnectionHandle reports the current ACL handle and whether it is
// valid — valid iff the machine is past CONNECTED_DEVICE_STATE and no
// disconnect-complete has been observed since, per spec.md §3.
func (l *Link) ConnectionHandle() (uint16, bool) {
	return l.connHandle, l.connHandle != invalidHandle
}

// ConnectToHIDDevice reports whether pairing just completed and the
// L2CAP manager should bring up channels.
func (l *Link) ConnectToHIDDevice() bool { return l.connectToHIDDevice }

// ClearConnectToHIDDevice is called by the L2CAP manager once it has
// claimed the link and begun channel bring-up.
func (l *Link) ClearConnectToHIDDevice() { l.connectToHIDDevice = false }

// ClaimL2CAP / ReleaseL2CAP model l2capConnectionClaimed, the second of
// the two booleans coupling the two state machines (spec.md §9).
func (l *Link) ClaimL2CAP()   { l.l2capConnectionClaimed = true }
func (l *Link) ReleaseL2CAP() { l.l2capConnectionClaimed = false }
func (l *Link) L2CAPClaimed() bool { return l.l2capConnectionClaimed }

// SetControllerReady delivers the transport's edge-triggered on_ready()
// signal: the controller has acknowledged it can accept traffic.
// CONNECTED_DEVICE gates Authentication-Requested on this.
func (l *Link) SetControllerReady() { l.controllerReady = true }

// Tick advances the state machine by one step. Must not run
// concurrently with HandleEvent.
func (l *Link) Tick() {
	switch l.state {
	case StateInit:
		l.initCounter++
		if l.initCounter > l.resetThreshold {
			l.sendReset()
		}
	case StateReset:
		if l.flags.cmdComplete {
			l.flags.cmdComplete = false
			l.cmdAsync(cmd.WriteClassOfDevice{ClassOfDevice: l.cfg.ClassOfDevice})
			l.state = StateClass
			return
		}
		l.initCounter++
		if l.initCounter > l.resetThreshold {
			l.resetThreshold *= resetEscalationFactor
			if l.resetThreshold > maxResetThreshold {
				l.resetThreshold = maxResetThreshold
			}
			l.initCounter = 0
			l.state = StateInit
		}
	case StateClass:
		if l.flags.cmdComplete {
			l.flags.cmdComplete = false
			l.cmdAsync(cmd.ReadBDADDR{})
			l.state = StateBDAddr
		}
	case StateBDAddr:
		if l.flags.readBDAddr {
			l.flags.readBDAddr = false
			l.cmdAsync(cmd.ReadLocalVersion{})
			l.state = StateLocalVersion
		}
	case StateLocalVersion:
		if l.flags.readVersion {
			l.flags.readVersion = false
			if l.cfg.LocalName != "" {
				l.cmdAsync(cmd.ChangeLocalName{Name: l.cfg.LocalName})
				l.state = StateSetName
				return
			}
			l.enterCheckDeviceService()
		}
	case StateSetName:
		if l.flags.cmdComplete {
			l.flags.cmdComplete = false
			l.enterCheckDeviceService()
		}
	case StateCheckDeviceService:
		l.flags.deviceFound = false
		l.cmdAsync(cmd.DefaultInquiry())
		l.state = StateInquiry
	case StateInquiry:
		if l.flags.deviceFound {
			l.flags.deviceFound = false
			l.flags.cmdComplete = false
			l.cmdAsync(cmd.InquiryCancel{})
			l.state = StateConnectDevice
			return
		}
		// InquiryComplete (no match) increments inquiryCounter via the
		// event handler; fall through to SCANNING after 5 empty passes.
		if l.inquiryCounter >= maxEmptyInquiries {
			l.inquiryCounter = 0
			l.log.WithError(errs.ErrNoDeviceFound).Info("hcilink: falling back to scanning")
			l.enterScanning()
		}
	case StateConnectDevice:
		if l.flags.cmdComplete {
			l.flags.cmdComplete = false
			l.flags.connectComplete = false
			l.createConnRetried = false
			l.cmdAsync(cmd.CreateConnection{
				BDADDR:               l.discBDAddr,
				PacketType:           cmd.PacketTypeMask,
				PageScanRepetitionMode: 0x01, // R1
				AllowRoleSwitch:      0,
			})
			l.state = StateConnectedDevice
		}
	case StateConnectedDevice:
		if l.flags.connectEvent {
			if l.flags.connectComplete {
				if !l.controllerReady {
					// Awaiting the controller's on_ready() edge; leave
					// connectEvent/connectComplete set and retry next tick.
					return
				}
				l.flags.connectEvent = false
				l.cmdAsync(cmd.AuthenticationRequested{ConnectionHandle: l.connHandle})
				l.enterScanning()
				return
			}
			l.flags.connectEvent = false
			if !l.createConnRetried {
				l.createConnRetried = true
				l.cmdAsync(cmd.CreateConnection{
					BDADDR:               l.discBDAddr,
					PacketType:           cmd.PacketTypeMask,
					PageScanRepetitionMode: 0x01,
					AllowRoleSwitch:      0,
				})
				return
			}
			l.enterCheckDeviceService()
		}
	case StateScanning:
		if l.connectToHIDDevice || l.l2capConnectionClaimed {
			return
		}
		mode := uint8(0x02) // page-only
		if l.cfg.LocalName != "" {
			mode = 0x03 // page+inquiry
		}
		l.cmdAsync(cmd.WriteScanEnable{ScanEnable: mode})
		l.waitingForConnection = true
		l.flags.incomingRequest = false
		l.state = StateConnectIn
	case StateConnectIn:
		if l.flags.incomingRequest {
			l.flags.incomingRequest = false
			l.flags.remoteNameComplete = false
			l.cmdAsync(cmd.RemoteNameRequest{BDADDR: l.peerBDAddr, PageScanRepetitionMode: 0x01})
			l.state = StateRemoteName
			return
		}
		if l.flags.disconnectComplete {
			l.state = StateDisconnect
		}
	case StateRemoteName:
		if l.flags.remoteNameComplete {
			l.flags.remoteNameComplete = false
			l.flags.connectComplete = false
			l.cmdAsync(cmd.AcceptConnectionRequest{BDADDR: l.peerBDAddr, Role: 0})
			l.state = StateConnected
		}
	case StateConnected:
		if l.flags.connectComplete {
			l.l2capConnectionClaimed = false
			l.flags.clearAll()
			l.doneCounter = 0
			l.state = StateDone
		}
	case StateDone:
		l.doneCounter++
		if l.doneCounter > doneGraceTicks {
			l.enterScanning()
		}
	case StateDisconnect:
		if l.flags.disconnectComplete {
			l.resetSession()
			l.enterScanning()
		}
	}
}

func (l *Link) enterCheckDeviceService() { l.state = StateCheckDeviceService }

func (l *Link) enterScanning() { l.state = StateScanning }

func (l *Link) resetSession() {
	l.flags.clearAll()
	l.connHandle = invalidHandle
	l.peerBDAddr = [6]byte{}
	l.discBDAddr = [6]byte{}
	l.connectToHIDDevice = false
	l.l2capConnectionClaimed = false
	l.incomingHIDDevice = false
	l.waitingForConnection = false
	if l.OnDisconnect != nil {
		l.OnDisconnect()
	}
}

func (l *Link) sendReset() {
	l.flags.cmdComplete = false
	l.cmdAsync(cmd.Reset{})
	l.initCounter = 0
	l.state = StateReset
}

// cmdAsync hands a command to cmd.Cmd's own processing goroutine
// without waiting for its completion — completion arrives later as a
// Command Complete event and is matched by internal/cmd's own channel
// bookkeeping. The tick loop only consults flags, never a send result;
// SendAsync itself does no work on the caller's goroutine beyond the
// channel handoff, so this never blocks Tick on a reply.
func (l *Link) cmdAsync(cp cmd.CmdParam) {
	l.cmd.SendAsync(cp)
}

func (l *Link) handleCommandComplete(b []byte) error {
	if err := l.cmd.HandleComplete(b); err != nil {
		return err
	}
	// Re-decode to branch on opcode-specific return parameters; HandleComplete
	// already delivered the completion to the waiting sender.
	var ep event.CommandCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	if len(ep.ReturnParameters) == 0 {
		return nil
	}
	status := ep.ReturnParameters[0]
	if status != 0 {
		err := fmt.Errorf("hcilink: opcode %s: %w", cmd.Opcode(ep.CommandOPCode), errs.ErrCommandFailed)
		l.log.WithError(err).Warn("hcilink: command failed")
		return err
	}
	l.flags.cmdComplete = true
	return l.handleCommandReturn(cmd.Opcode(ep.CommandOPCode), ep.ReturnParameters)
}

func (l *Link) handleCommandReturn(op cmd.Opcode, rp []byte) error {
	switch op {
	case cmd.OpReadBDADDR:
		if len(rp) >= 7 {
			copy(l.ownBDAddr[:], rp[1:7])
			l.flags.readBDAddr = true
		}
	case cmd.OpReadLocalVersion:
		if len(rp) >= 2 {
			l.hciVersion = rp[1]
			l.flags.readVersion = true
		}
	}
	return nil
}

func (l *Link) handleInquiryResult(b []byte) error {
	var ep event.InquiryResultEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	for i := 0; i < int(ep.NumResponses); i++ {
		ok, kind := classifyHID(ep.ClassOfDevice[i])
		if !ok {
			continue
		}
		l.discBDAddr = ep.BDADDR[i]
		l.discKind = kind
		l.log.WithFields(logrus.Fields{"kind": kind, "bdaddr": ep.BDADDR[i]}).Info("hcilink: HID device found")
		l.flags.deviceFound = true
		break
	}
	return nil
}

func (l *Link) handleInquiryComplete(b []byte) error {
	if !l.flags.deviceFound {
		l.inquiryCounter++
		if l.state == StateInquiry && l.inquiryCounter < maxEmptyInquiries {
			l.enterCheckDeviceService() // issue the next inquiry pass
		}
	}
	return nil
}

func (l *Link) handleConnectionRequest(b []byte) error {
	var ep event.ConnectionRequestEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	l.peerBDAddr = ep.BDADDR
	if ok, kind := classifyHID(ep.ClassOfDevice); ok {
		l.incomingHIDDevice = true
		l.discKind = kind
		l.log.WithFields(logrus.Fields{"kind": kind, "bdaddr": ep.BDADDR}).Info("hcilink: incoming HID peer")
	}
	l.flags.incomingRequest = true
	return nil
}

func (l *Link) handleConnectionComplete(b []byte) error {
	var ep event.ConnectionCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	l.flags.connectEvent = true
	if ep.Status == 0 {
		l.connHandle = ep.ConnectionHandle & 0x0FFF
		l.flags.connectComplete = true
		return nil
	}
	err := fmt.Errorf("hcilink: status %#x: %w", ep.Status, errs.ErrConnectionFailed)
	l.log.WithError(err).Warn("hcilink: connection attempt failed")
	return err
}

func (l *Link) handleDisconnectionComplete(b []byte) error {
	var ep event.DisconnectionCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	if ep.Status == 0 {
		l.flags.disconnectComplete = true
		l.flags.connectComplete = false
		l.connHandle = invalidHandle
	}
	return nil
}

func (l *Link) handleAuthenticationComplete(b []byte) error {
	var ep event.AuthenticationCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	if ep.Status == 0 {
		l.connectToHIDDevice = true
		l.log.Info("hcilink: pairing succeeded")
		return nil
	}
	err := fmt.Errorf("hcilink: status %#x: %w", ep.Status, errs.ErrPairingFailed)
	l.log.WithError(err).Warn("hcilink: pairing failed, disconnecting")
	l.cmdAsync(cmd.Disconnect{ConnectionHandle: l.connHandle, Reason: 0x13})
	l.state = StateDisconnect
	return err
}

func (l *Link) handleRemoteNameComplete(b []byte) error {
	var ep event.RemoteNameReqCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	if ep.Status == 0 {
		l.flags.remoteNameComplete = true
	}
	return nil
}

func (l *Link) handlePINCodeRequest(b []byte) error {
	var ep event.PINCodeRequestEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	if l.cfg.PIN != "" {
		l.cmdAsync(cmd.NewPINCodeRequestReply(ep.BDADDR, l.cfg.PIN))
		return nil
	}
	l.cmdAsync(cmd.PINCodeRequestNegativeReply{BDADDR: ep.BDADDR})
	return nil
}

func (l *Link) handleLinkKeyRequest(b []byte) error {
	var ep event.LinkKeyRequestEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	// No persisted link keys — always reply negatively, per spec.md §6.
	l.cmdAsync(cmd.LinkKeyRequestNegativeReply{BDADDR: ep.BDADDR})
	return nil
}

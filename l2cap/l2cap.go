// Package l2cap implements the inner L2CAP Channel Manager state
// machine: bringing up the HID Control and Interrupt channels, in
// either orientation (we initiate after pairing, or the peer
// initiates), and forwarding HID input reports that arrive on the
// interrupt channel.
//
// Like hcilink, this machine is driven by Tick and HandleFrame, which
// must not run concurrently with each other.
package l2cap

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/nbridges/bthid/errs"
	"github.com/nbridges/bthid/internal/sig"
)

// State is a step in the two-channel bring-up sequence.
type State int

const (
	StateWait State = iota
	StateControlConnectRequest
	StateControlConnectPending
	StateControlConfigRequest
	StateControlSuccess
	StateInterruptSetup
	StateInterruptConnectRequest
	StateInterruptConnectPending
	StateInterruptConfigRequest
	StateDone
	StateInterruptDisconnect
	StateControlDisconnect
)

func (s State) String() string {
	names := [...]string{
		"WAIT", "CONTROL_CONNECT_REQUEST", "CONTROL_CONNECT_PENDING", "CONTROL_CONFIG_REQUEST", "CONTROL_SUCCESS",
		"INTERRUPT_SETUP", "INTERRUPT_CONNECT_REQUEST", "INTERRUPT_CONNECT_PENDING", "INTERRUPT_CONFIG_REQUEST",
		"DONE", "INTERRUPT_DISCONNECT", "CONTROL_DISCONNECT",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Peer is the coupling surface hcilink.Link exposes: the two booleans
// and the connection handle the L2CAP manager needs, per spec.md §9.
type Peer interface {
	ConnectionHandle() (uint16, bool)
	ConnectToHIDDevice() bool
	ClearConnectToHIDDevice()
	ClaimL2CAP()
	ReleaseL2CAP()
}

// OnHIDInput receives one HID interrupt-channel report payload
// (the DATA/INPUT frame with its 0xA1 transaction header stripped).
type OnHIDInput func(report []byte)

// Manager is the L2CAP Channel Manager.
type Manager struct {
	peer Peer
	w    io.Writer
	log  *logrus.Entry

	state State

	identifier uint8

	controlSCID, controlDCID     uint16
	interruptSCID, interruptDCID uint16

	peerInitiated bool
	pendingID     uint8 // signalling identifier to echo in the deferred Success response

	OnHIDInput OnHIDInput
}

// New builds a Manager that writes outbound ACL/L2CAP frames to w.
func New(peer Peer, w io.Writer, log *logrus.Entry) *Manager {
	return &Manager{peer: peer, w: w, log: log, state: StateWait}
}

// State returns the current bring-up step.
func (m *Manager) State() State { return m.state }

func (m *Manager) nextIdentifier() uint8 {
	m.identifier++
	if m.identifier == 0 {
		m.identifier = 1
	}
	return m.identifier
}

// Tick advances channel bring-up when we are the initiator. In the
// peer-initiated orientation the other steps are reactions to inbound
// signalling commands in HandleFrame; Tick only sends the deferred
// Success Connection Response and our Configuration Request after the
// Pending response HandleFrame already sent.
func (m *Manager) Tick() {
	handle, ok := m.peer.ConnectionHandle()
	if !ok {
		if m.state != StateWait {
			m.reset()
		}
		return
	}

	switch m.state {
	case StateWait:
		if !m.peer.ConnectToHIDDevice() {
			return
		}
		m.peer.ClearConnectToHIDDevice()
		m.peer.ClaimL2CAP()
		m.peerInitiated = false
		m.controlSCID = sig.LocalControlCID
		id := m.nextIdentifier()
		m.send(handle, sig.BuildSignallingCommand(sig.ConnectionRequest, id,
			marshalParams(sig.ConnectionRequestParams{PSM: sig.PSMHIDControl, SCID: m.controlSCID})))
		m.state = StateControlConnectRequest
		m.log.Info("l2cap: sent HID Control connection request")
	case StateControlSuccess:
		m.interruptSCID = sig.LocalInterruptCID
		id := m.nextIdentifier()
		m.send(handle, sig.BuildSignallingCommand(sig.ConnectionRequest, id,
			marshalParams(sig.ConnectionRequestParams{PSM: sig.PSMHIDInterrupt, SCID: m.interruptSCID})))
		m.state = StateInterruptConnectRequest
	case StateControlConnectPending:
		m.send(handle, sig.BuildSignallingCommand(sig.ConnectionResponse, m.pendingID,
			marshalParams(sig.ConnectionResponseParams{DCID: m.controlSCID, SCID: m.controlDCID, Result: sig.ResultSuccess})))
		id := m.nextIdentifier()
		m.send(handle, sig.BuildSignallingCommand(sig.ConfigurationRequest, id,
			marshalParams(sig.ConfigurationRequestParams{DCID: m.controlDCID, MTU: 0xFFFF})))
		m.state = StateControlConfigRequest
	case StateInterruptConnectPending:
		m.send(handle, sig.BuildSignallingCommand(sig.ConnectionResponse, m.pendingID,
			marshalParams(sig.ConnectionResponseParams{DCID: m.interruptSCID, SCID: m.interruptDCID, Result: sig.ResultSuccess})))
		id := m.nextIdentifier()
		m.send(handle, sig.BuildSignallingCommand(sig.ConfigurationRequest, id,
			marshalParams(sig.ConfigurationRequestParams{DCID: m.interruptDCID, MTU: 0xFFFF})))
		m.state = StateInterruptConfigRequest
	}
}

// HandleFrame processes one inbound ACL frame addressed to this link:
// the signalling channel (CID 0x0001), or the interrupt channel
// (0x0041), dispatched by CID.
func (m *Manager) HandleFrame(cid uint16, payload []byte) error {
	handle, ok := m.peer.ConnectionHandle()
	if !ok {
		return nil
	}
	switch cid {
	case sig.SignallingCID:
		return m.handleSignal(handle, payload)
	case sig.LocalInterruptCID:
		if m.OnHIDInput != nil && len(payload) > 0 && payload[0] == 0xA1 {
			m.OnHIDInput(payload[1:]) // strip the 0xA1 DATA/INPUT transaction header
		}
		return nil
	}
	return nil
}

func (m *Manager) handleSignal(handle uint16, b []byte) error {
	var h sig.SigHeader
	if err := h.Unmarshal(b); err != nil {
		return err
	}
	body := b[4:]

	switch h.Code {
	case sig.ConnectionRequest:
		var p sig.ConnectionRequestParams
		if err := p.Unmarshal(body); err != nil {
			return err
		}
		return m.handlePeerConnectionRequest(handle, h.ID, p)
	case sig.ConnectionResponse:
		var p sig.ConnectionResponseParams
		if err := p.Unmarshal(body); err != nil {
			return err
		}
		return m.handleConnectionResponse(handle, p)
	case sig.ConfigurationRequest:
		var p sig.ConfigurationRequestParams
		if err := p.Unmarshal(body); err != nil {
			return err
		}
		return m.handlePeerConfigurationRequest(handle, h.ID, p)
	case sig.ConfigurationResponse:
		var p sig.ConfigurationResponseParams
		if err := p.Unmarshal(body); err != nil {
			return err
		}
		return m.handleConfigurationResponse(handle, p)
	case sig.DisconnectRequest:
		var p sig.DisconnectParams
		if err := p.Unmarshal(body); err != nil {
			return err
		}
		return m.handlePeerDisconnectRequest(handle, h.ID, p)
	case sig.DisconnectResponse:
		return m.handleDisconnectResponse()
	case sig.CommandReject:
		err := fmt.Errorf("l2cap: %w", errs.ErrProtocolReject)
		m.log.WithError(err).Warn("l2cap: peer rejected signalling command")
		m.reset()
		return err
	}
	return nil
}

// handlePeerConnectionRequest covers the "peer initiates" bring-up
// orientation: accept Control first, then Interrupt. Each acceptance
// is two Connection Responses — Pending immediately, then Success on
// the next Tick, mirroring a delayed l2cap_connection_response(PENDING)
// followed by l2cap_connection_response(SUCCESSFUL). Destination CID
// in a Connection Response is always our own newly allocated channel
// (controlSCID/interruptSCID); Source CID echoes the peer's request
// SCID (already stored in controlDCID/interruptDCID).
func (m *Manager) handlePeerConnectionRequest(handle uint16, id uint8, p sig.ConnectionRequestParams) error {
	switch p.PSM {
	case sig.PSMHIDControl:
		m.peer.ClaimL2CAP()
		m.peerInitiated = true
		m.controlSCID = sig.LocalControlCID
		m.controlDCID = p.SCID
		m.pendingID = id
		m.send(handle, sig.BuildSignallingCommand(sig.ConnectionResponse, id,
			marshalParams(sig.ConnectionResponseParams{DCID: m.controlSCID, SCID: m.controlDCID, Result: sig.ResultPending})))
		m.state = StateControlConnectPending
	case sig.PSMHIDInterrupt:
		m.interruptSCID = sig.LocalInterruptCID
		m.interruptDCID = p.SCID
		m.pendingID = id
		m.send(handle, sig.BuildSignallingCommand(sig.ConnectionResponse, id,
			marshalParams(sig.ConnectionResponseParams{DCID: m.interruptSCID, SCID: m.interruptDCID, Result: sig.ResultPending})))
		m.state = StateInterruptConnectPending
	}
	return nil
}

func (m *Manager) handleConnectionResponse(handle uint16, p sig.ConnectionResponseParams) error {
	if p.Result == sig.ResultPending {
		return nil
	}
	if p.Result != sig.ResultSuccess {
		m.log.WithField("result", p.Result).Warn("l2cap: connection request refused")
		m.reset()
		return nil
	}
	switch m.state {
	case StateControlConnectRequest:
		m.controlDCID = p.DCID
		id := m.nextIdentifier()
		m.send(handle, sig.BuildSignallingCommand(sig.ConfigurationRequest, id,
			marshalParams(sig.ConfigurationRequestParams{DCID: m.controlDCID, MTU: 0xFFFF})))
		m.state = StateControlConfigRequest
	case StateInterruptConnectRequest:
		m.interruptDCID = p.DCID
		id := m.nextIdentifier()
		m.send(handle, sig.BuildSignallingCommand(sig.ConfigurationRequest, id,
			marshalParams(sig.ConfigurationRequestParams{DCID: m.interruptDCID, MTU: 0xFFFF})))
		m.state = StateInterruptConfigRequest
	}
	return nil
}

func (m *Manager) handlePeerConfigurationRequest(handle uint16, id uint8, p sig.ConfigurationRequestParams) error {
	m.send(handle, sig.BuildSignallingCommand(sig.ConfigurationResponse, id,
		marshalParams(sig.ConfigurationResponseParams{SCID: p.DCID, Result: sig.ResultSuccess})))
	return nil
}

func (m *Manager) handleConfigurationResponse(handle uint16, p sig.ConfigurationResponseParams) error {
	if p.Result != sig.ResultSuccess {
		m.log.WithField("result", p.Result).Warn("l2cap: configuration refused")
		m.reset()
		return nil
	}
	switch m.state {
	case StateControlConfigRequest:
		if m.peerInitiated {
			m.state = StateInterruptSetup
			m.log.Info("l2cap: HID Control channel up, awaiting Interrupt connection")
			return nil
		}
		m.state = StateControlSuccess
		m.log.Info("l2cap: HID Control channel up")
	case StateInterruptConfigRequest:
		m.state = StateDone
		m.log.Info("l2cap: HID channels established")
	}
	return nil
}

func (m *Manager) handlePeerDisconnectRequest(handle uint16, id uint8, p sig.DisconnectParams) error {
	m.send(handle, sig.BuildSignallingCommand(sig.DisconnectResponse, id, marshalParams(p)))
	m.reset()
	return nil
}

func (m *Manager) handleDisconnectResponse() error {
	if m.state == StateInterruptDisconnect {
		m.interruptDCID, m.interruptSCID = 0, 0
		m.Disconnect()
		return nil
	}
	m.reset()
	return nil
}

// Disconnect tears down the interrupt channel, then the control
// channel, in response to a host-initiated or link-loss teardown.
func (m *Manager) Disconnect() {
	handle, ok := m.peer.ConnectionHandle()
	if !ok || m.state == StateWait {
		m.reset()
		return
	}
	if m.interruptDCID != 0 {
		id := m.nextIdentifier()
		m.send(handle, sig.BuildSignallingCommand(sig.DisconnectRequest, id,
			marshalParams(sig.DisconnectParams{DCID: m.interruptDCID, SCID: m.interruptSCID})))
		m.state = StateInterruptDisconnect
		return
	}
	if m.controlDCID != 0 {
		id := m.nextIdentifier()
		m.send(handle, sig.BuildSignallingCommand(sig.DisconnectRequest, id,
			marshalParams(sig.DisconnectParams{DCID: m.controlDCID, SCID: m.controlSCID})))
		m.state = StateControlDisconnect
		return
	}
	m.reset()
}

func (m *Manager) reset() {
	m.state = StateWait
	m.controlSCID, m.controlDCID = 0, 0
	m.interruptSCID, m.interruptDCID = 0, 0
	m.peerInitiated = false
	m.pendingID = 0
	m.peer.ReleaseL2CAP()
}

func (m *Manager) send(handle uint16, payload []byte) {
	frame := sig.BuildACLFrame(handle, sig.SignallingCID, payload)
	if _, err := m.w.Write(frame); err != nil {
		m.log.WithError(err).Warn("l2cap: write failed")
	}
}

type marshaler interface{ Marshal([]byte) }

// marshalParams sizes and marshals any of the fixed-size signalling
// parameter structs sig defines.
func marshalParams(p marshaler) []byte {
	switch v := p.(type) {
	case sig.ConnectionRequestParams:
		b := make([]byte, 4)
		v.Marshal(b)
		return b
	case sig.ConnectionResponseParams:
		b := make([]byte, 8)
		v.Marshal(b)
		return b
	case sig.ConfigurationRequestParams:
		b := make([]byte, v.Len())
		v.Marshal(b)
		return b
	case sig.ConfigurationResponseParams:
		b := make([]byte, v.Len())
		v.Marshal(b)
		return b
	case sig.DisconnectParams:
		b := make([]byte, 4)
		v.Marshal(b)
		return b
	default:
		return nil
	}
}

// Package bthid wires the HCI Link Manager, the L2CAP Channel
// Manager, and a Transport Adapter into a single running stack that
// discovers, pairs with, and forwards HID reports from one Bluetooth
// Classic peripheral at a time.
package bthid

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbridges/bthid/errs"
	"github.com/nbridges/bthid/hcilink"
	"github.com/nbridges/bthid/internal/hci"
	"github.com/nbridges/bthid/internal/sig"
	"github.com/nbridges/bthid/l2cap"
)

// Transport is what Stack needs from the underlying adapter: a
// send-gated writer, the raw byte stream to read HCI packets from, and
// the edge-triggered on_ready() signal.
type Transport interface {
	io.ReadWriteCloser
	SendAvailable() bool
	// Ready returns a channel that closes once, the first time the
	// controller signals it can accept traffic. Implementations with
	// no separate boot-readiness handshake should return an
	// already-closed channel.
	Ready() <-chan struct{}
}

// Config is the stack's complete startup configuration, per spec.md §6.
type Config struct {
	LocalName     string
	PIN           string
	ClassOfDevice [3]byte
	TickInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	return c
}

// Stack is the running HID-pairing host: one HCI link, one L2CAP
// manager, one transport, coupled exactly as spec.md §9 describes.
type Stack struct {
	cfg   Config
	log   *logrus.Entry
	tr    Transport
	link  *hcilink.Link
	chans *l2cap.Manager

	OnHIDInput func(report []byte)

	// events serializes every call into link/chans onto one goroutine
	// (the one Run runs on), per hcilink and l2cap's own single-threaded
	// contract: Tick and HandleEvent/HandleFrame must never run
	// concurrently with each other. tickPump, readPump and readyPump only
	// ever push closures here — none touches s.link or s.chans directly.
	events chan func()
	readErr chan error
	stop    chan struct{}
}

// New builds a Stack. The caller must call Run to start it.
func New(cfg Config, tr Transport, log *logrus.Entry) *Stack {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &gatedWriter{tr: tr}

	s := &Stack{
		cfg:     cfg,
		log:     log,
		tr:      tr,
		events:  make(chan func()),
		readErr: make(chan error, 1),
		stop:    make(chan struct{}),
	}
	s.link = hcilink.New(hcilink.Config{
		LocalName:     cfg.LocalName,
		PIN:           cfg.PIN,
		ClassOfDevice: cfg.ClassOfDevice,
	}, w, log.WithField("component", "hcilink"))
	s.chans = l2cap.New(s.link, w, log.WithField("component", "l2cap"))
	s.chans.OnHIDInput = func(report []byte) {
		if s.OnHIDInput != nil {
			s.OnHIDInput(report)
		}
	}
	s.link.OnDisconnect = s.chans.Disconnect
	return s
}

// gatedWriter adapts Transport's SendAvailable/Write pair to the
// plain io.Writer that the command and L2CAP codecs expect.
type gatedWriter struct{ tr Transport }

func (g *gatedWriter) Write(b []byte) (int, error) {
	if !g.tr.SendAvailable() {
		return 0, errs.ErrTransportUnavailable
	}
	return g.tr.Write(b)
}

// Run starts the tick and read pumps and then processes their work on
// the calling goroutine, one item at a time — this is the single
// goroutine that ever calls into s.link or s.chans, so their Tick and
// HandleEvent/HandleFrame entry points never race each other. It
// blocks until Close is called or the transport's Read returns an
// error.
func (s *Stack) Run() error {
	go s.tickPump()
	go s.readPump()
	go s.readyPump()
	for {
		select {
		case <-s.stop:
			return nil
		case fn := <-s.events:
			fn()
		case err := <-s.readErr:
			return err
		}
	}
}

// Close stops the pumps and closes the transport.
func (s *Stack) Close() error {
	close(s.stop)
	return s.tr.Close()
}

// tickPump only ever talks to a time.Ticker and s.events — it never
// touches s.link or s.chans itself.
func (s *Stack) tickPump() {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			select {
			case s.events <- func() { s.link.Tick(); s.chans.Tick() }:
			case <-s.stop:
				return
			}
		}
	}
}

// readPump only ever talks to s.tr and s.events — it never touches
// s.link or s.chans itself. A read error is reported once on readErr
// (buffered so this goroutine never blocks on a Run that already
// exited) and the pump stops.
func (s *Stack) readPump() {
	b := make([]byte, 4096)
	for {
		n, err := s.tr.Read(b)
		if err != nil {
			s.readErr <- err
			return
		}
		if n == 0 {
			continue
		}
		p := make([]byte, n)
		copy(p, b[:n])
		select {
		case s.events <- func() { s.handlePacket(p) }:
		case <-s.stop:
			return
		}
	}
}

// readyPump waits for the transport's edge-triggered on_ready()
// signal and, the one time it fires, hands hcilink.Link the
// acknowledgement CONNECTED_DEVICE is gated on. It never touches
// s.link directly outside the posted closure.
func (s *Stack) readyPump() {
	select {
	case <-s.tr.Ready():
		select {
		case s.events <- func() { s.link.SetControllerReady() }:
		case <-s.stop:
		}
	case <-s.stop:
	}
}

func (s *Stack) handlePacket(b []byte) {
	if len(b) == 0 {
		return
	}
	t, body := hci.PacketType(b[0]), b[1:]
	var err error
	switch t {
	case hci.TypEventPkt:
		err = s.link.HandleEvent(body)
	case hci.TypACLDataPkt:
		err = s.handleACL(body)
	default:
		s.log.WithField("type", t).Debug("bthid: unhandled packet type")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("type", t).Warn("bthid: packet handling failed")
	}
}

func (s *Stack) handleACL(b []byte) error {
	var ah sig.ACLHeader
	if err := ah.Unmarshal(b); err != nil {
		return err
	}
	b = b[4:]
	var lh sig.L2CAPHeader
	if err := lh.Unmarshal(b); err != nil {
		return err
	}
	payload := b[4:]
	if int(lh.Length) <= len(payload) {
		payload = payload[:lh.Length]
	}
	return s.chans.HandleFrame(lh.CID, payload)
}

// LinkState reports the HCI Link Manager's current state, for status
// reporting and tests.
func (s *Stack) LinkState() hcilink.State { return s.link.State() }

// ChannelState reports the L2CAP Channel Manager's current state.
func (s *Stack) ChannelState() l2cap.State { return s.chans.State() }

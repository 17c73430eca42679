// Package hci defines the wire-level packet-type byte that prefixes
// every frame exchanged with a Bluetooth BR/EDR controller.
package hci

// PacketType is the first byte of every HCI transport frame.
type PacketType uint8

// HCI packet types (Core Spec Vol 2, Part E / UART transport framing).
const (
	TypCommandPkt PacketType = 0x01
	TypACLDataPkt PacketType = 0x02
	TypSCODataPkt PacketType = 0x03
	TypEventPkt   PacketType = 0x04
	TypVendorPkt  PacketType = 0xFF
)

func (t PacketType) String() string {
	switch t {
	case TypCommandPkt:
		return "Command"
	case TypACLDataPkt:
		return "ACL Data"
	case TypSCODataPkt:
		return "SCO Data"
	case TypEventPkt:
		return "Event"
	case TypVendorPkt:
		return "Vendor"
	default:
		return "Unknown"
	}
}

// SPDX-License-Identifier: GPL-2.0-only

package usb

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// Standard request codes (USB 2.0 table 9-4).
const (
	RequestGetStatus        uint8 = 0x00
	RequestClearFeature     uint8 = 0x01
	RequestSetFeature       uint8 = 0x03
	RequestSetAddress       uint8 = 0x05
	RequestGetDescriptor    uint8 = 0x06
	RequestSetDescriptor    uint8 = 0x07
	RequestGetConfiguration uint8 = 0x08
	RequestSetConfiguration uint8 = 0x09
	RequestGetInterface     uint8 = 0x0A
	RequestSetInterface     uint8 = 0x0B
	RequestSynchFrame       uint8 = 0x0C
)

// bmRequestType fields.
const (
	RequestDirectionMask uint8 = 0x80
	RequestTypeMask      uint8 = 0x60
	RequestRecipientMask uint8 = 0x1F

	DirOut uint8 = 0x00
	DirIn  uint8 = 0x80

	TypeStandard uint8 = 0x00
	TypeClass    uint8 = 0x20
	TypeVendor   uint8 = 0x40

	RecipientDevice    uint8 = 0x00
	RecipientInterface uint8 = 0x01
	RecipientEndpoint  uint8 = 0x02
	RecipientOther     uint8 = 0x03
)

// SetupPacketSize is the wire size of a setup packet.
const SetupPacketSize = 8

// SetupPacket is the 8-byte header of a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes the little-endian wire form of a setup packet.
func ParseSetupPacket(b []byte) (SetupPacket, error) {
	if len(b) < SetupPacketSize {
		return SetupPacket{}, errors.Newf("setup packet too short: %d bytes", len(b))
	}
	return SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// Bytes returns the wire form of the setup packet.
func (s SetupPacket) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

func (s SetupPacket) In() bool {
	return s.RequestType&RequestDirectionMask == DirIn
}

func (s SetupPacket) Type() uint8 {
	return s.RequestType & RequestTypeMask
}

func (s SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestRecipientMask
}

// DescriptorType is the high byte of wValue for descriptor requests.
func (s SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex is the low byte of wValue for descriptor requests.
func (s SetupPacket) DescriptorIndex() uint8 {
	return uint8(s.Value & 0xFF)
}

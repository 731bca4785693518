// SPDX-License-Identifier: GPL-2.0-only

package usb

import (
	"encoding/binary"
	"unicode/utf16"
)

// Descriptor types (USB 2.0 table 9-5).
const (
	DescriptorTypeDevice        uint8 = 0x01
	DescriptorTypeConfiguration uint8 = 0x02
	DescriptorTypeString        uint8 = 0x03
	DescriptorTypeInterface     uint8 = 0x04
	DescriptorTypeEndpoint      uint8 = 0x05
)

const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// LangEnglishUS is the only language advertised in string descriptor zero.
const LangEnglishUS uint16 = 0x0409

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   uint8 = 0x80
	ConfigAttrSelfPowered  uint8 = 0x40
	ConfigAttrRemoteWakeup uint8 = 0x20
)

// Endpoint transfer types (bmAttributes bits 1..0).
const (
	EndpointControl     uint8 = 0x00
	EndpointIsochronous uint8 = 0x01
	EndpointBulk        uint8 = 0x02
	EndpointInterrupt   uint8 = 0x03
)

type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// Bytes serializes the device descriptor.
func (d DeviceDescriptor) Bytes() []byte {
	buf := make([]byte, DeviceDescriptorSize)
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return buf
}

type EndpointDescriptor struct {
	Address       Endpoint
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// TransferKind derives the URB kind carried by this endpoint.
func (e EndpointDescriptor) TransferKind() Kind {
	switch e.Attributes & 0x03 {
	case EndpointIsochronous:
		return KindIsochronous
	case EndpointBulk:
		return KindBulk
	case EndpointInterrupt:
		return KindInterrupt
	default:
		return KindControl
	}
}

func (e EndpointDescriptor) appendTo(buf []byte) []byte {
	var b [EndpointDescriptorSize]byte
	b[0] = EndpointDescriptorSize
	b[1] = DescriptorTypeEndpoint
	b[2] = uint8(e.Address)
	b[3] = e.Attributes
	binary.LittleEndian.PutUint16(b[4:6], e.MaxPacketSize)
	b[6] = e.Interval
	return append(buf, b[:]...)
}

// AltSetting is one alternate setting of an interface.
type AltSetting struct {
	Number      uint8
	Class       uint8
	SubClass    uint8
	Protocol    uint8
	StringIndex uint8
	Endpoints   []EndpointDescriptor
}

type Interface struct {
	Number      uint8
	AltSettings []AltSetting
}

// AltSetting looks up an alternate setting by its bAlternateSetting value.
func (i *Interface) AltSetting(number uint8) (*AltSetting, bool) {
	for n := range i.AltSettings {
		if i.AltSettings[n].Number == number {
			return &i.AltSettings[n], true
		}
	}
	return nil, false
}

type Configuration struct {
	Value       uint8
	StringIndex uint8
	Attributes  uint8
	MaxPower    uint8
	Interfaces  []Interface
}

// Interface looks up an interface by its bInterfaceNumber.
func (c *Configuration) Interface(number uint8) (*Interface, bool) {
	for n := range c.Interfaces {
		if c.Interfaces[n].Number == number {
			return &c.Interfaces[n], true
		}
	}
	return nil, false
}

// Bytes serializes the configuration descriptor followed by every interface
// (all alternate settings) and endpoint descriptor, with wTotalLength filled in.
func (c *Configuration) Bytes() []byte {
	buf := make([]byte, ConfigurationDescriptorSize, 64)
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	buf[4] = uint8(len(c.Interfaces))
	buf[5] = c.Value
	buf[6] = c.StringIndex
	buf[7] = c.Attributes | ConfigAttrBusPowered
	buf[8] = c.MaxPower
	for _, iface := range c.Interfaces {
		for _, alt := range iface.AltSettings {
			buf = append(buf,
				InterfaceDescriptorSize,
				DescriptorTypeInterface,
				iface.Number,
				alt.Number,
				uint8(len(alt.Endpoints)),
				alt.Class,
				alt.SubClass,
				alt.Protocol,
				alt.StringIndex,
			)
			for _, ep := range alt.Endpoints {
				buf = ep.appendTo(buf)
			}
		}
	}
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(buf)))
	return buf
}

// Descriptors is the descriptor tree of a device.
type Descriptors struct {
	Device         DeviceDescriptor
	Configurations []Configuration
}

// DeviceBytes serializes the device descriptor with bNumConfigurations
// taken from the tree.
func (d *Descriptors) DeviceBytes() []byte {
	dev := d.Device
	dev.NumConfigurations = uint8(len(d.Configurations))
	return dev.Bytes()
}

// Configuration looks up a configuration by its bConfigurationValue.
func (d *Descriptors) Configuration(value uint8) (*Configuration, bool) {
	for n := range d.Configurations {
		if d.Configurations[n].Value == value {
			return &d.Configurations[n], true
		}
	}
	return nil, false
}

// StringDescriptor encodes s as a UTF-16LE string descriptor. Strings that
// do not fit in 255 bytes are truncated.
func StringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	if limit := (255 - 2) / 2; len(units) > limit {
		units = units[:limit]
	}
	buf := make([]byte, 2+2*len(units))
	buf[0] = uint8(len(buf))
	buf[1] = DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+2*i:], u)
	}
	return buf
}

// LanguageTable encodes string descriptor zero.
func LanguageTable(langs ...uint16) []byte {
	buf := make([]byte, 2+2*len(langs))
	buf[0] = uint8(len(buf))
	buf[1] = DescriptorTypeString
	for i, l := range langs {
		binary.LittleEndian.PutUint16(buf[2+2*i:], l)
	}
	return buf
}

// SPDX-License-Identifier: GPL-2.0-only

package device

import (
	"github.com/go-kit/log/level"

	"github.com/linuxbuh/usb-vhci/usb"
)

// ProcControlUrb handles a control URB addressed to endpoint 0. Standard
// requests are handled here; class and vendor requests go to the
// RequestHandler hook. Anything unsupported or malformed is stalled.
func (b *Base) ProcControlUrb(urb *usb.Urb) bool {
	s := urb.Setup
	switch s.Type() {
	case usb.TypeStandard:
	case usb.TypeClass, usb.TypeVendor:
		if h, ok := b.hooks.(RequestHandler); ok {
			return h.ProcRequest(urb)
		}
		return b.stall(urb, "no handler for class or vendor request")
	default:
		return b.stall(urb, "reserved request type")
	}

	switch s.Request {
	case usb.RequestSetAddress:
		return b.setAddress(urb)
	case usb.RequestSetConfiguration:
		return b.setConfiguration(urb)
	case usb.RequestGetConfiguration:
		return b.getConfiguration(urb)
	case usb.RequestSetInterface:
		return b.setInterface(urb)
	case usb.RequestGetInterface:
		return b.getInterface(urb)
	case usb.RequestSetDescriptor:
		if h, ok := b.hooks.(DescriptorWriter); ok && !s.In() && s.DescriptorType() == usb.DescriptorTypeString {
			return h.SetDescriptor(urb)
		}
		return b.stall(urb, "set descriptor not supported")
	case usb.RequestClearFeature:
		if h, ok := b.hooks.(FeatureClearer); ok && !s.In() {
			return h.ClearFeature(urb)
		}
		return b.stall(urb, "clear feature not supported")
	case usb.RequestGetStatus:
		return b.getStatus(urb)
	case usb.RequestGetDescriptor:
		return b.getDescriptor(urb)
	default:
		return b.stall(urb, "unsupported standard request")
	}
}

func (b *Base) stall(urb *usb.Urb, reason string) bool {
	_ = level.Debug(b.logger).Log("msg", "stalling control request", "reason", reason,
		"request", urb.Setup.Request, "type", urb.Setup.RequestType, "value", urb.Setup.Value, "index", urb.Setup.Index)
	urb.Stall()
	return true
}

// reply copies data into the URB buffer, truncated to wLength, and acks.
func reply(urb *usb.Urb, data []byte) bool {
	n := min(len(data), int(urb.Setup.Length), len(urb.Buffer))
	copy(urb.Buffer, data[:n])
	urb.Ack(n)
	return true
}

func (b *Base) setAddress(urb *usb.Urb) bool {
	s := urb.Setup
	if s.In() || s.Recipient() != usb.RecipientDevice || s.Value > 0x7F {
		return b.stall(urb, "invalid set address")
	}
	b.stateMu.Lock()
	b.address = uint8(s.Value)
	b.recomputeStateLocked()
	b.stateMu.Unlock()
	_ = level.Debug(b.logger).Log("msg", "address set", "address", s.Value)
	urb.Ack(0)
	return true
}

func (b *Base) setConfiguration(urb *usb.Urb) bool {
	s := urb.Setup
	if s.In() || s.Recipient() != usb.RecipientDevice || s.Value > 0xFF {
		return b.stall(urb, "invalid set configuration")
	}
	var cfg *usb.Configuration
	if s.Value != 0 {
		var ok bool
		if cfg, ok = b.desc.Configuration(uint8(s.Value)); !ok {
			return b.stall(urb, "unknown configuration")
		}
	}
	b.stateMu.Lock()
	b.config = cfg
	b.alts = make(map[uint8]uint8)
	b.recomputeStateLocked()
	b.stateMu.Unlock()
	_ = level.Debug(b.logger).Log("msg", "configuration set", "value", s.Value)
	urb.Ack(0)
	return true
}

func (b *Base) getConfiguration(urb *usb.Urb) bool {
	s := urb.Setup
	if !s.In() || s.Recipient() != usb.RecipientDevice {
		return b.stall(urb, "invalid get configuration")
	}
	var value uint8
	if cfg := b.Configuration(); cfg != nil {
		value = cfg.Value
	}
	return reply(urb, []byte{value})
}

func (b *Base) setInterface(urb *usb.Urb) bool {
	s := urb.Setup
	if s.In() || s.Recipient() != usb.RecipientInterface || s.Index > 0xFF || s.Value > 0xFF {
		return b.stall(urb, "invalid set interface")
	}
	number, alt := uint8(s.Index), uint8(s.Value)

	b.stateMu.Lock()
	if b.config == nil {
		b.stateMu.Unlock()
		return b.stall(urb, "set interface while not configured")
	}
	iface, ok := b.config.Interface(number)
	if !ok {
		b.stateMu.Unlock()
		return b.stall(urb, "unknown interface")
	}
	if _, ok := iface.AltSetting(alt); !ok {
		b.stateMu.Unlock()
		return b.stall(urb, "unknown alternate setting")
	}
	// URBs queued on endpoints of the previous alternate setting stay
	// queued; devices retire them if they need to.
	changed := b.alts[number] != alt
	b.alts[number] = alt
	b.stateMu.Unlock()

	if changed {
		_ = level.Debug(b.logger).Log("msg", "alternate setting changed", "interface", number, "alt", alt)
	}
	urb.Ack(0)
	return true
}

func (b *Base) getInterface(urb *usb.Urb) bool {
	s := urb.Setup
	if !s.In() || s.Recipient() != usb.RecipientInterface || s.Index > 0xFF {
		return b.stall(urb, "invalid get interface")
	}
	alt, ok := b.AltSetting(uint8(s.Index))
	if !ok {
		return b.stall(urb, "get interface of inactive interface")
	}
	return reply(urb, []byte{alt})
}

func (b *Base) getStatus(urb *usb.Urb) bool {
	s := urb.Setup
	if !s.In() {
		return b.stall(urb, "invalid get status")
	}
	switch s.Recipient() {
	case usb.RecipientDevice, usb.RecipientInterface:
	default:
		return b.stall(urb, "get status for unsupported recipient")
	}
	if s.Length < 2 || len(urb.Buffer) < 2 {
		return b.stall(urb, "get status buffer too small")
	}
	urb.Buffer[0], urb.Buffer[1] = 0, 0
	urb.Ack(2)
	return true
}

func (b *Base) getDescriptor(urb *usb.Urb) bool {
	s := urb.Setup
	if !s.In() || s.Recipient() != usb.RecipientDevice {
		return b.stall(urb, "invalid get descriptor")
	}
	index := s.DescriptorIndex()
	switch s.DescriptorType() {
	case usb.DescriptorTypeDevice:
		if index != 0 {
			return b.stall(urb, "device descriptor index out of range")
		}
		return reply(urb, b.desc.DeviceBytes())
	case usb.DescriptorTypeConfiguration:
		if int(index) >= len(b.desc.Configurations) {
			return b.stall(urb, "configuration descriptor index out of range")
		}
		return reply(urb, b.desc.Configurations[index].Bytes())
	case usb.DescriptorTypeString:
		if index == 0 {
			return reply(urb, usb.LanguageTable(usb.LangEnglishUS))
		}
		if h, ok := b.hooks.(StringProvider); ok {
			if str, ok := h.StringDescriptor(index, s.Index); ok {
				return reply(urb, usb.StringDescriptor(str))
			}
		}
		return b.stall(urb, "unknown string descriptor")
	default:
		return b.stall(urb, "unsupported descriptor type")
	}
}

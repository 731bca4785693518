// SPDX-License-Identifier: GPL-2.0-only

package device

import "github.com/linuxbuh/usb-vhci/usb"

// The interfaces below are optional extensions of a device built on Base.
// Base checks the value passed to New for each of them. URB handlers
// return true once they completed the URB and false to have it retried on
// a later ProcAsyncUrbs call.

// StringProvider serves string descriptors other than the language table.
type StringProvider interface {
	StringDescriptor(index uint8, lang uint16) (string, bool)
}

// DescriptorWriter handles SET_DESCRIPTOR.
type DescriptorWriter interface {
	SetDescriptor(urb *usb.Urb) bool
}

// FeatureClearer handles CLEAR_FEATURE.
type FeatureClearer interface {
	ClearFeature(urb *usb.Urb) bool
}

// RequestHandler handles class and vendor control requests.
type RequestHandler interface {
	ProcRequest(urb *usb.Urb) bool
}

type BulkHandler interface {
	ProcBulkUrb(urb *usb.Urb) bool
}

type InterruptHandler interface {
	ProcInterruptUrb(urb *usb.Urb) bool
}

type IsochronousHandler interface {
	ProcIsochronousUrb(urb *usb.Urb) bool
}

// SPDX-License-Identifier: GPL-2.0-only

package usb

import (
	"fmt"

	"github.com/efficientgo/core/errors"
)

// Kind is the transfer type of a URB.
type Kind uint8

const (
	KindControl Kind = iota
	KindBulk
	KindInterrupt
	KindIsochronous
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindBulk:
		return "bulk"
	case KindInterrupt:
		return "interrupt"
	case KindIsochronous:
		return "isochronous"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Handle identifies a URB for its whole lifetime, independently of the
// *Urb pointer. Handles are assigned by whoever creates the URB.
type Handle uint64

// Endpoint is an endpoint address: number in the low nibble, direction in bit 7.
type Endpoint uint8

const EndpointDirIn Endpoint = 0x80

func (e Endpoint) Number() uint8 {
	return uint8(e) & 0x0F
}

func (e Endpoint) In() bool {
	return e&EndpointDirIn != 0
}

func (e Endpoint) String() string {
	if e.In() {
		return fmt.Sprintf("ep%din", e.Number())
	}
	return fmt.Sprintf("ep%dout", e.Number())
}

// IsoPacket describes one packet of an isochronous URB.
type IsoPacket struct {
	Offset       int
	Length       int
	ActualLength int
	Status       UrbStatus
}

// Urb is one bus transaction. Kind selects which of the per-kind payload
// fields (Setup, Interval, IsoPackets) are meaningful.
//
// A URB is completed exactly once; completing it again panics.
type Urb struct {
	Handle   Handle
	Kind     Kind
	Endpoint Endpoint
	Buffer   []byte

	// Setup is valid for KindControl.
	Setup SetupPacket
	// Interval is valid for KindInterrupt and KindIsochronous.
	Interval int
	// IsoPackets is valid for KindIsochronous.
	IsoPackets []IsoPacket

	status UrbStatus
	actual int
}

// NewControlUrb creates a control URB on endpoint 0. The direction is taken
// from the setup packet.
func NewControlUrb(h Handle, setup SetupPacket, buf []byte) *Urb {
	ep := Endpoint(0)
	if setup.In() {
		ep |= EndpointDirIn
	}
	return &Urb{Handle: h, Kind: KindControl, Endpoint: ep, Buffer: buf, Setup: setup}
}

func NewBulkUrb(h Handle, ep Endpoint, buf []byte) *Urb {
	return &Urb{Handle: h, Kind: KindBulk, Endpoint: ep, Buffer: buf}
}

func NewInterruptUrb(h Handle, ep Endpoint, buf []byte, interval int) *Urb {
	return &Urb{Handle: h, Kind: KindInterrupt, Endpoint: ep, Buffer: buf, Interval: interval}
}

func NewIsochronousUrb(h Handle, ep Endpoint, buf []byte, interval int, packets []IsoPacket) *Urb {
	return &Urb{Handle: h, Kind: KindIsochronous, Endpoint: ep, Buffer: buf, Interval: interval, IsoPackets: packets}
}

func (u *Urb) Status() UrbStatus {
	return u.status
}

// BufferActual is the number of bytes transferred; valid once completed.
func (u *Urb) BufferActual() int {
	return u.actual
}

func (u *Urb) Completed() bool {
	return u.status != StatusPending
}

// Complete records the terminal outcome of the URB.
func (u *Urb) Complete(status UrbStatus, actual int) {
	if status == StatusPending {
		panic(errors.Newf("urb %d: cannot complete with pending status", u.Handle))
	}
	if u.Completed() {
		panic(errors.Newf("urb %d completed twice (was %s, now %s)", u.Handle, u.status, status))
	}
	if actual < 0 || actual > len(u.Buffer) {
		panic(errors.Newf("urb %d: actual length %d outside buffer of %d bytes", u.Handle, actual, len(u.Buffer)))
	}
	u.status = status
	u.actual = actual
}

// Ack completes the URB successfully with actual bytes transferred.
func (u *Urb) Ack(actual int) {
	u.Complete(StatusSuccess, actual)
}

// Stall completes the URB with a protocol stall.
func (u *Urb) Stall() {
	u.Complete(StatusStall, 0)
}

func (u *Urb) String() string {
	return fmt.Sprintf("urb{handle=%d kind=%s %s len=%d status=%s}", u.Handle, u.Kind, u.Endpoint, len(u.Buffer), u.status)
}

// SPDX-License-Identifier: GPL-2.0-only

package device

import (
	"fmt"
	"time"

	"github.com/linuxbuh/usb-vhci/usb"
)

// State is the USB device state derived from address and configuration.
type State uint8

const (
	StateDefault State = iota
	StateAddress
	StateConfigured
)

func (s State) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateAddress:
		return "address"
	case StateConfigured:
		return "configured"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Infinite makes ReapAnyAsyncUrb block until a URB completes.
const Infinite time.Duration = -1

// Device is anything a forwarder can drive: an emulated device built on
// Base or a proxy to a real one.
type Device interface {
	// AsyncSubmitUrb queues urb. waiter, if not nil, receives one
	// non-blocking signal when the URB is done.
	AsyncSubmitUrb(urb *usb.Urb, waiter chan<- struct{}) error
	CancelAsyncUrb(urb *usb.Urb) error
	ForgetAsyncUrb(urb *usb.Urb) error
	// ReapAnyAsyncUrb returns the oldest done URB. A zero timeout polls,
	// Infinite blocks.
	ReapAnyAsyncUrb(timeout time.Duration) *usb.Urb
	ReapAsyncUrb(urb *usb.Urb) bool

	Descriptor() usb.DeviceDescriptor
	DataRate() usb.DataRate
	Address() uint8
	State() State
}

// Processor is implemented by devices whose URBs are executed in process
// by an explicit call rather than by a driver.
type Processor interface {
	ProcAsyncUrbs() error
}

// Resetter is implemented by devices that react to a port reset.
type Resetter interface {
	Reset()
}

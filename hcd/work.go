// SPDX-License-Identifier: GPL-2.0-only

package hcd

import (
	"sync/atomic"

	"github.com/linuxbuh/usb-vhci/usb"
)

// Work is one message from the host controller to its consumer. The
// concrete types are *PortStatWork, *ProcessUrbWork and *CancelUrbWork.
type Work interface {
	// Port is the 1-based root hub port the work belongs to.
	Port() int
	Canceled() bool

	markCanceled()
}

type workBase struct {
	port     int
	canceled atomic.Bool
}

func (w *workBase) Port() int {
	return w.port
}

func (w *workBase) Canceled() bool {
	return w.canceled.Load()
}

// markCanceled is called with the Hcd lock held. Repeated calls are harmless.
func (w *workBase) markCanceled() {
	w.canceled.Store(true)
}

// PortStatWork reports a port snapshot together with the triggers derived
// from the previous snapshot.
type PortStatWork struct {
	workBase
	stat     PortStat
	triggers TriggerFlags
}

func NewPortStatWork(port int, stat, prev PortStat) *PortStatWork {
	return &PortStatWork{
		workBase: workBase{port: port},
		stat:     stat,
		triggers: DeriveTriggers(prev, stat),
	}
}

// NewInitialPortStatWork reports the first snapshot of a port. It carries
// no triggers.
func NewInitialPortStatWork(port int, stat PortStat) *PortStatWork {
	return &PortStatWork{
		workBase: workBase{port: port},
		stat:     stat,
	}
}

func (w *PortStatWork) Stat() PortStat { return w.stat }
func (w *PortStatWork) Triggers() TriggerFlags { return w.triggers }
func (w *PortStatWork) TriggersDisable() bool { return w.triggers.Has(TriggerDisable) }
func (w *PortStatWork) TriggersSuspend() bool { return w.triggers.Has(TriggerSuspend) }
func (w *PortStatWork) TriggersResuming() bool { return w.triggers.Has(TriggerResuming) }
func (w *PortStatWork) TriggersReset() bool { return w.triggers.Has(TriggerReset) }
func (w *PortStatWork) TriggersPowerOn() bool { return w.triggers.Has(TriggerPowerOn) }
func (w *PortStatWork) TriggersPowerOff() bool { return w.triggers.Has(TriggerPowerOff) }

// ProcessUrbWork hands a URB to the consumer. The work owns the URB until
// the consumer submits it to a device.
type ProcessUrbWork struct {
	workBase
	urb *usb.Urb
}

func NewProcessUrbWork(port int, urb *usb.Urb) *ProcessUrbWork {
	return &ProcessUrbWork{workBase: workBase{port: port}, urb: urb}
}

func (w *ProcessUrbWork) Urb() *usb.Urb {
	return w.urb
}

func (w *ProcessUrbWork) Handle() usb.Handle {
	return w.urb.Handle
}

// CancelUrbWork asks the consumer to cancel a URB previously delivered
// through a ProcessUrbWork.
type CancelUrbWork struct {
	workBase
	handle usb.Handle
}

func NewCancelUrbWork(port int, handle usb.Handle) *CancelUrbWork {
	return &CancelUrbWork{workBase: workBase{port: port}, handle: handle}
}

func (w *CancelUrbWork) Handle() usb.Handle {
	return w.handle
}

func workKind(w Work) string {
	switch w.(type) {
	case *PortStatWork:
		return "port_stat"
	case *ProcessUrbWork:
		return "process_urb"
	case *CancelUrbWork:
		return "cancel_urb"
	default:
		return "unknown"
	}
}

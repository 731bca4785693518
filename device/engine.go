// SPDX-License-Identifier: GPL-2.0-only

package device

import (
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linuxbuh/usb-vhci/usb"
)

var (
	ErrNotSubmitted     = errors.New("URB was not submitted")
	ErrAlreadySubmitted = errors.New("URB already submitted")
	ErrReentrant        = errors.New("URBs are already being processed")
)

// Base is an in-process device: it queues submitted URBs, runs them
// through the standard control request handling or the transfer hooks on
// ProcAsyncUrbs, and hands the results out through the reap calls.
//
// URBs move from pending to in progress to done. A URB whose handler
// reports it incomplete goes back to pending.
type Base struct {
	logger  log.Logger
	metrics *metrics
	desc    usb.Descriptors
	rate    usb.DataRate
	hooks   any

	// mu guards pending, inProgress and processing.
	mu         sync.Mutex
	pending    urbQueue
	inProgress *submission
	processing bool

	// doneMu guards done and doneSignal and may be taken with mu held.
	doneMu     sync.Mutex
	done       urbQueue
	doneSignal chan struct{}

	stateMu sync.Mutex
	address uint8
	config  *usb.Configuration
	alts    map[uint8]uint8
	state   State
}

// New creates the engine of a device with the given descriptor tree.
// hooks is usually the device embedding the returned Base; it may
// implement any of the handler interfaces of this package.
func New(desc usb.Descriptors, rate usb.DataRate, hooks any, logger log.Logger, reg prometheus.Registerer) *Base {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Base{
		logger:     logger,
		metrics:    newMetrics(reg),
		desc:       desc,
		rate:       rate,
		hooks:      hooks,
		pending:    newURBQueue(),
		done:       newURBQueue(),
		doneSignal: make(chan struct{}),
		alts:       make(map[uint8]uint8),
	}
}

func (b *Base) Descriptor() usb.DeviceDescriptor {
	d := b.desc.Device
	d.NumConfigurations = uint8(len(b.desc.Configurations))
	return d
}

func (b *Base) Descriptors() *usb.Descriptors {
	return &b.desc
}

func (b *Base) DataRate() usb.DataRate {
	return b.rate
}

func (b *Base) Address() uint8 {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.address
}

func (b *Base) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// Configuration returns the active configuration, or nil.
func (b *Base) Configuration() *usb.Configuration {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.config
}

// AltSetting returns the active alternate setting of an interface of the
// active configuration.
func (b *Base) AltSetting(iface uint8) (uint8, bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.config == nil {
		return 0, false
	}
	if _, ok := b.config.Interface(iface); !ok {
		return 0, false
	}
	return b.alts[iface], true
}

// Reset returns the device to the default state. Queued URBs are kept.
func (b *Base) Reset() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.address = 0
	b.config = nil
	b.alts = make(map[uint8]uint8)
	b.recomputeStateLocked()
	_ = level.Debug(b.logger).Log("msg", "device reset")
}

// recomputeStateLocked must follow every address or configuration change.
func (b *Base) recomputeStateLocked() {
	switch {
	case b.address == 0:
		b.state = StateDefault
	case b.config == nil:
		b.state = StateAddress
	default:
		b.state = StateConfigured
	}
}

func (b *Base) AsyncSubmitUrb(urb *usb.Urb, waiter chan<- struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trackedLocked(urb.Handle) {
		return errors.Wrapf(ErrAlreadySubmitted, "urb %d", urb.Handle)
	}
	b.pending.pushBack(&submission{urb: urb, waiter: waiter})
	return nil
}

func (b *Base) trackedLocked(h usb.Handle) bool {
	if _, ok := b.pending.get(h); ok {
		return true
	}
	if b.inProgress != nil && b.inProgress.urb.Handle == h {
		return true
	}
	b.doneMu.Lock()
	defer b.doneMu.Unlock()
	_, ok := b.done.get(h)
	return ok
}

// CancelAsyncUrb moves a pending URB to done without running it. The URB
// itself is left untouched. Canceling a URB that is being processed or
// already done has no effect.
func (b *Base) CancelAsyncUrb(urb *usb.Urb) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.pending.remove(urb.Handle); ok {
		if !s.zombie {
			s.canceled = true
			b.finishLocked(s)
		}
		return nil
	}
	if b.inProgress != nil && b.inProgress.urb.Handle == urb.Handle {
		return nil
	}
	b.doneMu.Lock()
	_, ok := b.done.get(urb.Handle)
	b.doneMu.Unlock()
	if ok {
		return nil
	}
	return errors.Wrapf(ErrNotSubmitted, "urb %d", urb.Handle)
}

// ForgetAsyncUrb drops all bookkeeping of urb. A URB being processed is
// marked so that its result is discarded.
func (b *Base) ForgetAsyncUrb(urb *usb.Urb) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending.remove(urb.Handle); ok {
		return nil
	}
	if b.inProgress != nil && b.inProgress.urb.Handle == urb.Handle {
		b.inProgress.zombie = true
		return nil
	}
	b.doneMu.Lock()
	defer b.doneMu.Unlock()
	if _, ok := b.done.remove(urb.Handle); ok {
		return nil
	}
	return errors.Wrapf(ErrNotSubmitted, "urb %d", urb.Handle)
}

// finishLocked moves s to done and wakes reapers; b.mu must be held.
func (b *Base) finishLocked(s *submission) {
	status := s.urb.Status().String()
	if s.canceled {
		status = "canceled"
	}
	b.metrics.completedTotal.WithLabelValues(s.urb.Kind.String(), status).Inc()

	b.doneMu.Lock()
	b.done.pushBack(s)
	close(b.doneSignal)
	b.doneSignal = make(chan struct{})
	b.doneMu.Unlock()

	if s.waiter != nil {
		select {
		case s.waiter <- struct{}{}:
		default:
		}
	}
}

// ProcAsyncUrbs runs every URB pending at the time of the call, in
// submission order. URBs whose handler reports them incomplete are put
// back at the front of pending, ahead of URBs submitted meanwhile.
func (b *Base) ProcAsyncUrbs() error {
	b.mu.Lock()
	if b.processing {
		b.mu.Unlock()
		return ErrReentrant
	}
	b.processing = true
	handles := b.pending.handles()
	b.mu.Unlock()

	// Incomplete URBs go straight back to pending so they stay tracked
	// while later ones run; retried is the order they were put back in.
	var retried []usb.Handle
	for _, h := range handles {
		b.mu.Lock()
		s, ok := b.pending.remove(h)
		if !ok {
			// Canceled or forgotten since the snapshot.
			b.mu.Unlock()
			continue
		}
		b.inProgress = s
		b.mu.Unlock()

		complete := b.procUrb(s.urb)

		b.mu.Lock()
		b.inProgress = nil
		switch {
		case s.zombie:
			_ = level.Debug(b.logger).Log("msg", "dropping result of forgotten urb", "urb", s.urb)
		case complete:
			b.finishLocked(s)
		default:
			b.requeueLocked(s, retried)
			retried = append(retried, h)
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.processing = false
	return nil
}

// requeueLocked puts s back in pending behind the URBs already retried in
// this pass that are still pending, or at the front; b.mu must be held.
func (b *Base) requeueLocked(s *submission, retried []usb.Handle) {
	for i := len(retried) - 1; i >= 0; i-- {
		if _, ok := b.pending.get(retried[i]); ok {
			b.pending.insertAfter(s, retried[i])
			return
		}
	}
	b.pending.pushFront(s)
}

// ReapAnyAsyncUrb removes and returns the oldest done URB. With a zero
// timeout it does not block; with Infinite it blocks until a URB is done.
// It returns nil when the timeout expires.
func (b *Base) ReapAnyAsyncUrb(timeout time.Duration) *usb.Urb {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		b.doneMu.Lock()
		s, ok := b.done.popFront()
		signal := b.doneSignal
		b.doneMu.Unlock()
		if ok {
			if s.zombie {
				continue
			}
			return s.urb
		}
		if timeout == 0 {
			return nil
		}
		select {
		case <-signal:
		case <-expired:
			return nil
		}
	}
}

// ReapAsyncUrb removes urb from done. It reports whether the URB was done
// and still wanted.
func (b *Base) ReapAsyncUrb(urb *usb.Urb) bool {
	b.doneMu.Lock()
	defer b.doneMu.Unlock()
	s, ok := b.done.get(urb.Handle)
	if !ok {
		return false
	}
	b.done.remove(urb.Handle)
	return !s.zombie
}

// procUrb dispatches urb by transfer kind and reports whether it completed.
func (b *Base) procUrb(urb *usb.Urb) bool {
	var complete bool
	switch urb.Kind {
	case usb.KindControl:
		if urb.Endpoint.Number() != 0 {
			urb.Stall()
			return true
		}
		complete = b.ProcControlUrb(urb)
	case usb.KindBulk:
		if h, ok := b.hooks.(BulkHandler); ok {
			complete = h.ProcBulkUrb(urb)
		} else {
			urb.Stall()
			return true
		}
	case usb.KindInterrupt:
		if h, ok := b.hooks.(InterruptHandler); ok {
			complete = h.ProcInterruptUrb(urb)
		} else {
			urb.Stall()
			return true
		}
	case usb.KindIsochronous:
		if h, ok := b.hooks.(IsochronousHandler); ok {
			complete = h.ProcIsochronousUrb(urb)
		} else {
			urb.Stall()
			return true
		}
	default:
		urb.Stall()
		return true
	}
	if complete && !urb.Completed() {
		_ = level.Error(b.logger).Log("msg", "handler reported an uncompleted urb as done; stalling", "urb", urb)
		urb.Stall()
	}
	return complete || urb.Completed()
}

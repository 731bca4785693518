// SPDX-License-Identifier: GPL-2.0-only

package hcd

import (
	"context"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/linuxbuh/usb-vhci/usb"
)

const defaultStepInterval = 100 * time.Millisecond

// PortFeature is a hub class port feature selector (USB 2.0 table 11-17).
type PortFeature uint16

const (
	FeatureEnable       PortFeature = 1
	FeatureSuspend      PortFeature = 2
	FeatureOvercurrent  PortFeature = 3
	FeatureReset        PortFeature = 4
	FeaturePower        PortFeature = 8
	FeatureCConnection  PortFeature = 16
	FeatureCEnable      PortFeature = 17
	FeatureCSuspend     PortFeature = 18
	FeatureCOvercurrent PortFeature = 19
	FeatureCReset       PortFeature = 20
)

var changeByFeature = map[PortFeature]PortChange{
	FeatureCConnection:  ChangeConnection,
	FeatureCEnable:      ChangeEnable,
	FeatureCSuspend:     ChangeSuspend,
	FeatureCOvercurrent: ChangeOvercurrent,
	FeatureCReset:       ChangeReset,
}

type PortEventKind int

const (
	PortEventConnect PortEventKind = iota
	PortEventDisconnect
	PortEventOvercurrent
)

// PortEvent is an electrical change reported by a PortSource.
type PortEvent struct {
	Port       int
	Kind       PortEventKind
	Descriptor usb.DeviceDescriptor
	Rate       usb.DataRate
}

// PortSource reports port changes happening outside the process, such as
// devices attached to kernel-side virtual ports.
type PortSource interface {
	Poll(ctx context.Context) ([]PortEvent, error)
}

// Completion is a finished URB as reported to the backing transport. It
// is a copy taken at finish time: a canceled URB may still be completed
// by the device afterwards and is reported as unlinked.
type Completion struct {
	Port     int
	Handle   usb.Handle
	Status   usb.UrbStatus
	Actual   int
	Canceled bool
}

type localPort struct {
	stat PortStat
	desc usb.DeviceDescriptor
	rate usb.DataRate
}

// LocalBackend keeps port state in memory. Hub requests and URBs are
// injected through SetPortFeature, ClearPortFeature and SubmitUrb and
// reach the Hcd on the next background step; finished URBs are collected
// for Completions.
type LocalBackend struct {
	logger   log.Logger
	source   PortSource
	interval time.Duration
	wake     chan struct{}

	mu        sync.Mutex
	ports     []localPort
	announced bool
	pending   []Work

	complMu     sync.Mutex
	completions []Completion
}

// NewLocalBackend creates a backend for the given number of ports. source
// may be nil. interval bounds how long an idle Step blocks.
func NewLocalBackend(ports int, source PortSource, interval time.Duration, logger log.Logger) *LocalBackend {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = defaultStepInterval
	}
	return &LocalBackend{
		logger:   logger,
		source:   source,
		interval: interval,
		wake:     make(chan struct{}, 1),
		ports:    make([]localPort, ports),
	}
}

// pendingQueue appends to the injected works; b.mu must be held.
type pendingQueue struct {
	b *LocalBackend
}

func (q pendingQueue) Enqueue(works ...Work) {
	q.b.pending = append(q.b.pending, works...)
}

func (b *LocalBackend) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *LocalBackend) takePending() []Work {
	b.mu.Lock()
	defer b.mu.Unlock()
	works := b.pending
	b.pending = nil
	return works
}

// Step announces every port once, applies source events, and hands over
// injected works, waiting up to the step interval when there are none.
func (b *LocalBackend) Step(ctx context.Context, q Queue) error {
	b.mu.Lock()
	if !b.announced {
		b.announced = true
		for i := range b.ports {
			q.Enqueue(NewInitialPortStatWork(i+1, b.ports[i].stat))
		}
	}
	b.mu.Unlock()

	if b.source != nil {
		events, err := b.source.Poll(ctx)
		if err != nil {
			_ = level.Warn(b.logger).Log("msg", "failed to poll port source", "err", err)
		}
		for _, ev := range events {
			if err := b.apply(q, ev); err != nil {
				_ = level.Warn(b.logger).Log("msg", "failed to apply port event", "port", ev.Port, "err", err)
			}
		}
	}

	works := b.takePending()
	if len(works) == 0 {
		t := time.NewTimer(b.interval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-b.wake:
		case <-t.C:
		}
		works = b.takePending()
	}
	q.Enqueue(works...)
	return nil
}

func (b *LocalBackend) apply(q Queue, ev PortEvent) error {
	switch ev.Kind {
	case PortEventConnect:
		return b.PortConnect(q, ev.Port, ev.Descriptor, ev.Rate)
	case PortEventDisconnect:
		return b.PortDisconnect(q, ev.Port)
	case PortEventOvercurrent:
		return b.PortOvercurrent(q, ev.Port)
	default:
		return errors.Newf("unknown port event kind %d", ev.Kind)
	}
}

// update applies fn to the port and reports the transition, if any.
func (b *LocalBackend) update(q Queue, port int, fn func(p *localPort) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if port < 1 || port > len(b.ports) {
		return errors.Wrapf(ErrPortOutOfRange, "port %d", port)
	}
	p := &b.ports[port-1]
	prev := p.stat
	if err := fn(p); err != nil {
		return err
	}
	if p.stat == prev {
		return nil
	}
	_ = level.Debug(b.logger).Log("msg", "port status changed", "port", port, "status", p.stat.Status, "change", p.stat.Change)
	q.Enqueue(NewPortStatWork(port, p.stat, prev))
	return nil
}

func (b *LocalBackend) PortConnect(q Queue, port int, desc usb.DeviceDescriptor, rate usb.DataRate) error {
	return b.update(q, port, func(p *localPort) error {
		if p.stat.Connected() {
			return errors.Newf("port %d already connected", port)
		}
		p.desc, p.rate = desc, rate
		p.stat.Status |= PortConnection
		p.stat.Status &^= PortLowSpeed | PortHighSpeed
		switch rate {
		case usb.RateLow:
			p.stat.Status |= PortLowSpeed
		case usb.RateHigh:
			p.stat.Status |= PortHighSpeed
		}
		p.stat.Change |= ChangeConnection
		return nil
	})
}

func (b *LocalBackend) PortDisconnect(q Queue, port int) error {
	return b.update(q, port, func(p *localPort) error {
		if !p.stat.Connected() {
			return nil
		}
		p.stat.Status &^= PortConnection | PortEnable | PortSuspend | PortReset | PortLowSpeed | PortHighSpeed
		p.stat.Flags = 0
		p.stat.Change |= ChangeConnection
		p.desc, p.rate = usb.DeviceDescriptor{}, usb.RateUnknown
		return nil
	})
}

func (b *LocalBackend) PortDisable(q Queue, port int) error {
	return b.update(q, port, func(p *localPort) error {
		if !p.stat.Has(PortEnable) {
			return nil
		}
		p.stat.Status &^= PortEnable
		p.stat.Change |= ChangeEnable
		return nil
	})
}

func (b *LocalBackend) PortResumed(q Queue, port int) error {
	return b.update(q, port, func(p *localPort) error {
		p.stat.Status &^= PortSuspend
		p.stat.Flags &^= FlagResuming
		p.stat.Change |= ChangeSuspend
		return nil
	})
}

func (b *LocalBackend) PortOvercurrent(q Queue, port int) error {
	return b.update(q, port, func(p *localPort) error {
		p.stat.Status |= PortOvercurrent
		p.stat.Change |= ChangeOvercurrent
		return nil
	})
}

func (b *LocalBackend) PortResetDone(q Queue, port int) error {
	return b.update(q, port, func(p *localPort) error {
		p.stat.Status &^= PortReset
		if p.stat.Connected() {
			p.stat.Status |= PortEnable
		}
		p.stat.Change |= ChangeReset
		return nil
	})
}

func (b *LocalBackend) PortStat(port int) PortStat {
	b.mu.Lock()
	defer b.mu.Unlock()
	if port < 1 || port > len(b.ports) {
		return PortStat{}
	}
	return b.ports[port-1].stat
}

// SetPortFeature applies a SetPortFeature hub request from the host.
func (b *LocalBackend) SetPortFeature(port int, f PortFeature) error {
	err := b.update(pendingQueue{b}, port, func(p *localPort) error {
		switch f {
		case FeaturePower:
			p.stat.Status |= PortPower
		case FeatureReset:
			if !p.stat.Has(PortPower) {
				return nil
			}
			p.stat.Status |= PortReset
			p.stat.Status &^= PortEnable | PortSuspend
			p.stat.Flags &^= FlagResuming
		case FeatureSuspend:
			if p.stat.Has(PortEnable) {
				p.stat.Status |= PortSuspend
			}
		default:
			return errors.Newf("port feature %d cannot be set", f)
		}
		return nil
	})
	b.signal()
	return err
}

// ClearPortFeature applies a ClearPortFeature hub request from the host.
func (b *LocalBackend) ClearPortFeature(port int, f PortFeature) error {
	err := b.update(pendingQueue{b}, port, func(p *localPort) error {
		if c, ok := changeByFeature[f]; ok {
			p.stat.Change &^= c
			return nil
		}
		switch f {
		case FeatureEnable:
			p.stat.Status &^= PortEnable
		case FeatureSuspend:
			if p.stat.Has(PortSuspend) {
				p.stat.Flags |= FlagResuming
			}
		case FeaturePower:
			wasConnected := p.stat.Connected()
			p.stat.Status = 0
			p.stat.Flags = 0
			if wasConnected {
				p.stat.Change |= ChangeConnection
			}
		default:
			return errors.Newf("port feature %d cannot be cleared", f)
		}
		return nil
	})
	b.signal()
	return err
}

// SubmitUrb queues a URB for the device on port.
func (b *LocalBackend) SubmitUrb(port int, urb *usb.Urb) error {
	b.mu.Lock()
	if port < 1 || port > len(b.ports) {
		b.mu.Unlock()
		return errors.Wrapf(ErrPortOutOfRange, "port %d", port)
	}
	b.pending = append(b.pending, NewProcessUrbWork(port, urb))
	b.mu.Unlock()
	b.signal()
	return nil
}

// UnlinkUrb asks the consumer to cancel a URB it already picked up. URBs
// still waiting in the Hcd inbox are canceled with Hcd.CancelProcessUrbWork.
func (b *LocalBackend) UnlinkUrb(port int, handle usb.Handle) error {
	b.mu.Lock()
	if port < 1 || port > len(b.ports) {
		b.mu.Unlock()
		return errors.Wrapf(ErrPortOutOfRange, "port %d", port)
	}
	b.pending = append(b.pending, NewCancelUrbWork(port, handle))
	b.mu.Unlock()
	b.signal()
	return nil
}

func (b *LocalBackend) FinishWork(w Work) {
	pw, ok := w.(*ProcessUrbWork)
	if !ok {
		return
	}
	c := Completion{Port: pw.Port(), Handle: pw.Handle(), Canceled: pw.Canceled()}
	if c.Canceled {
		c.Status = usb.StatusUnlinked
	} else {
		c.Status, c.Actual = pw.Urb().Status(), pw.Urb().BufferActual()
	}
	b.complMu.Lock()
	defer b.complMu.Unlock()
	b.completions = append(b.completions, c)
}

// CancelingWork asks the consumer to drop the URB on the device side as well.
func (b *LocalBackend) CancelingWork(w *ProcessUrbWork, q Queue) {
	q.Enqueue(NewCancelUrbWork(w.Port(), w.Handle()))
}

// Completions returns and clears the URBs finished since the last call.
func (b *LocalBackend) Completions() []Completion {
	b.complMu.Lock()
	defer b.complMu.Unlock()
	c := b.completions
	b.completions = nil
	return c
}

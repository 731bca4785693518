// SPDX-License-Identifier: GPL-2.0-only

package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linuxbuh/usb-vhci/device"
	"github.com/linuxbuh/usb-vhci/hcd"
	"github.com/linuxbuh/usb-vhci/usb"
)

const idleWait = 100 * time.Millisecond

// HostController is the consumer side of an *hcd.Hcd.
type HostController interface {
	NextWork() (hcd.Work, bool)
	FinishWork(w hcd.Work)
	PortConnect(port int, desc usb.DeviceDescriptor, rate usb.DataRate) error
	PortResetDone(port int) error
	PortResumed(port int) error
	PortStat(port int) (hcd.PortStat, error)
	AddWorkEnqueuedListener(ch chan<- struct{})
	RemoveWorkEnqueuedListener(ch chan<- struct{})
}

// AcceptFunc decides whether a URB is handed to the device. Rejected URBs
// are finished untouched.
type AcceptFunc func(w *hcd.ProcessUrbWork) bool

func AcceptAll(*hcd.ProcessUrbWork) bool {
	return true
}

// Forwarder is the single consumer connecting one host controller port to
// one device.
type Forwarder struct {
	hc     HostController
	dev    device.Device
	port   int
	accept AcceptFunc
	logger log.Logger

	// wake is signaled by the host controller on new works and by the
	// device on finished URBs.
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	tracked map[usb.Handle]*hcd.ProcessUrbWork

	iterations prometheus.Counter
}

// New creates a forwarder for dev on port and subscribes it to the host
// controller. accept may be nil to accept every URB.
func New(hc HostController, dev device.Device, port int, accept AcceptFunc, logger log.Logger, reg prometheus.Registerer) *Forwarder {
	if accept == nil {
		accept = AcceptAll
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f := &Forwarder{
		hc:      hc,
		dev:     dev,
		port:    port,
		accept:  accept,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		tracked: make(map[usb.Handle]*hcd.ProcessUrbWork),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vhci_forwarder_iterations_total",
			Help: "The total number of forwarding loop iterations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(f.iterations)
	}
	hc.AddWorkEnqueuedListener(f.wake)
	return f
}

// Run forwards until Stop is called or ctx is done. URBs still tracked on
// exit are forgotten by the device and finished.
func (f *Forwarder) Run(ctx context.Context) error {
	_ = level.Info(f.logger).Log("msg", "forwarder started", "port", f.port)
	defer f.drop()
	for {
		select {
		case <-f.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		if f.iterate() {
			continue
		}
		t := time.NewTimer(idleWait)
		select {
		case <-f.wake:
		case <-t.C:
		case <-f.stop:
		case <-ctx.Done():
		}
		t.Stop()
	}
}

// Stop makes Run return after its current iteration and detaches the
// forwarder from the host controller.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stop)
		f.hc.RemoveWorkEnqueuedListener(f.wake)
	})
}

// iterate runs one forwarding round and reports whether it found anything.
func (f *Forwarder) iterate() bool {
	f.iterations.Inc()
	if p, ok := f.dev.(device.Processor); ok {
		if err := p.ProcAsyncUrbs(); err != nil {
			_ = level.Error(f.logger).Log("msg", "failed to process urbs", "err", err)
		}
	}

	found := false
	for urb := f.dev.ReapAnyAsyncUrb(0); urb != nil; urb = f.dev.ReapAnyAsyncUrb(0) {
		found = true
		w, ok := f.tracked[urb.Handle]
		if !ok {
			_ = level.Warn(f.logger).Log("msg", "reaped untracked urb", "urb", urb)
			continue
		}
		delete(f.tracked, urb.Handle)
		f.hc.FinishWork(w)
	}

	for {
		w, more := f.hc.NextWork()
		if w == nil {
			break
		}
		found = true
		f.dispatch(w)
		if !more {
			break
		}
	}
	return found
}

func (f *Forwarder) dispatch(w hcd.Work) {
	if w.Port() != f.port {
		_ = level.Debug(f.logger).Log("msg", "finishing work for unattached port", "port", w.Port())
		f.hc.FinishWork(w)
		return
	}
	switch w := w.(type) {
	case *hcd.PortStatWork:
		f.portStat(w)
		f.hc.FinishWork(w)
	case *hcd.ProcessUrbWork:
		f.processUrb(w)
	case *hcd.CancelUrbWork:
		if pw, ok := f.tracked[w.Handle()]; ok {
			if err := f.dev.CancelAsyncUrb(pw.Urb()); err != nil {
				_ = level.Warn(f.logger).Log("msg", "failed to cancel urb", "handle", w.Handle(), "err", err)
			}
		}
		f.hc.FinishWork(w)
	default:
		f.hc.FinishWork(w)
	}
}

func (f *Forwarder) portStat(w *hcd.PortStatWork) {
	_ = level.Debug(f.logger).Log("msg", "port status", "port", w.Port(), "triggers", w.Triggers())
	if w.TriggersPowerOn() {
		if err := f.hc.PortConnect(f.port, f.dev.Descriptor(), f.dev.DataRate()); err != nil {
			_ = level.Warn(f.logger).Log("msg", "failed to connect device", "port", f.port, "err", err)
		}
	}
	if !w.TriggersReset() && !w.TriggersResuming() {
		return
	}
	stat, err := f.hc.PortStat(f.port)
	if err != nil {
		_ = level.Warn(f.logger).Log("msg", "failed to read port status", "port", f.port, "err", err)
		return
	}
	if !stat.Connected() {
		return
	}
	// Reset is level-triggered, so a work snapshotted during a reset can
	// arrive after PortResetDone. The trigger plus a connected port is not
	// enough here: the live status must still show the reset, or the
	// device would be reset a second time.
	if w.TriggersReset() && stat.Has(hcd.PortReset) {
		if r, ok := f.dev.(device.Resetter); ok {
			r.Reset()
		}
		if err := f.hc.PortResetDone(f.port); err != nil {
			_ = level.Warn(f.logger).Log("msg", "failed to complete reset", "port", f.port, "err", err)
		}
	}
	if w.TriggersResuming() {
		if err := f.hc.PortResumed(f.port); err != nil {
			_ = level.Warn(f.logger).Log("msg", "failed to complete resume", "port", f.port, "err", err)
		}
	}
}

func (f *Forwarder) processUrb(w *hcd.ProcessUrbWork) {
	if !f.accept(w) {
		f.hc.FinishWork(w)
		return
	}
	urb := w.Urb()
	if _, dup := f.tracked[urb.Handle]; dup {
		_ = level.Warn(f.logger).Log("msg", "urb handle already in use", "urb", urb)
		f.hc.FinishWork(w)
		return
	}
	f.tracked[urb.Handle] = w
	if err := f.dev.AsyncSubmitUrb(urb, f.wake); err != nil {
		_ = level.Warn(f.logger).Log("msg", "failed to submit urb", "urb", urb, "err", err)
		delete(f.tracked, urb.Handle)
		f.hc.FinishWork(w)
	}
}

func (f *Forwarder) drop() {
	if len(f.tracked) > 0 {
		_ = level.Info(f.logger).Log("msg", "dropping outstanding urbs", "count", len(f.tracked))
	}
	for h, w := range f.tracked {
		if err := f.dev.ForgetAsyncUrb(w.Urb()); err != nil {
			_ = level.Debug(f.logger).Log("msg", "failed to forget urb", "handle", h, "err", err)
		}
		f.hc.FinishWork(w)
		delete(f.tracked, h)
	}
	_ = level.Info(f.logger).Log("msg", "forwarder stopped", "port", f.port)
}

// SPDX-License-Identifier: GPL-2.0-only

package hcd

import (
	"context"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linuxbuh/usb-vhci/usb"
)

var (
	ErrPortOutOfRange    = errors.New("port out of range")
	ErrBackgroundRunning = errors.New("background task already started")
)

// Queue accepts works produced by a backend.
type Queue interface {
	Enqueue(works ...Work)
}

// Backend is the platform-specific half of a host controller. It owns the
// port state and produces works; the Hcd owns the queues.
type Backend interface {
	// Step runs one production cycle, adding any produced works to q. It
	// should block for a bounded time when there is nothing to produce and
	// return promptly once ctx is done.
	Step(ctx context.Context, q Queue) error
	// FinishWork is called with the Hcd lock held, before w leaves the
	// in-flight set.
	FinishWork(w Work)
	// CancelingWork is called with the Hcd lock held when an in-flight URB
	// is canceled, right before it is finished. Works added to q are
	// enqueued under the same lock.
	CancelingWork(w *ProcessUrbWork, q Queue)

	// The port mutators receive a validated 1-based port and report the
	// resulting PortStatWork through q.
	PortConnect(q Queue, port int, desc usb.DeviceDescriptor, rate usb.DataRate) error
	PortDisconnect(q Queue, port int) error
	PortDisable(q Queue, port int) error
	PortResumed(q Queue, port int) error
	PortOvercurrent(q Queue, port int) error
	PortResetDone(q Queue, port int) error
	PortStat(port int) PortStat
}

// Hcd is the host controller engine. Works flow from the backend into the
// inbox, are moved to the in-flight set when the consumer picks them up,
// and leave it when the consumer finishes them.
type Hcd struct {
	ports   int
	backend Backend
	logger  log.Logger

	mu        sync.Mutex
	inbox     []Work
	inflight  map[Work]struct{}
	listeners map[chan<- struct{}]struct{}

	bgMu     sync.Mutex
	bgCancel context.CancelFunc
	bgDone   chan struct{}
	bgErr    error

	metrics *metrics
}

// New creates a host controller with the given number of root hub ports.
func New(ports int, backend Backend, logger log.Logger, reg prometheus.Registerer) (*Hcd, error) {
	if ports < 1 {
		return nil, errors.Newf("host controller needs at least one port, got %d", ports)
	}
	if backend == nil {
		return nil, errors.New("host controller needs a backend")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Hcd{
		ports:     ports,
		backend:   backend,
		logger:    logger,
		inflight:  make(map[Work]struct{}),
		listeners: make(map[chan<- struct{}]struct{}),
		metrics:   newMetrics(reg),
	}, nil
}

func (h *Hcd) Ports() int {
	return h.ports
}

// AddWorkEnqueuedListener registers ch to be signaled whenever works are
// enqueued. Signals never block: ch should be buffered and a pending
// signal is not repeated.
func (h *Hcd) AddWorkEnqueuedListener(ch chan<- struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[ch] = struct{}{}
}

func (h *Hcd) RemoveWorkEnqueuedListener(ch chan<- struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, ch)
}

// Enqueue appends works to the inbox and signals listeners once.
func (h *Hcd) Enqueue(works ...Work) {
	if len(works) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueueLocked(works)
	h.notifyLocked()
}

func (h *Hcd) enqueueLocked(works []Work) {
	for _, w := range works {
		h.metrics.enqueuedTotal.WithLabelValues(workKind(w)).Inc()
	}
	h.inbox = append(h.inbox, works...)
	h.updateGaugesLocked()
}

func (h *Hcd) notifyLocked() {
	for ch := range h.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *Hcd) updateGaugesLocked() {
	h.metrics.inboxGauge.Set(float64(len(h.inbox)))
	h.metrics.inflightGauge.Set(float64(len(h.inflight)))
}

// NextWork moves the oldest non-canceled work from the inbox to the
// in-flight set and returns it. Canceled works at the front of the inbox
// are dropped. more reports whether the inbox still holds entries.
func (h *Hcd) NextWork() (w Work, more bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.inbox) > 0 {
		next := h.inbox[0]
		h.inbox[0] = nil
		h.inbox = h.inbox[1:]
		if next.Canceled() {
			_ = level.Debug(h.logger).Log("msg", "dropping canceled work", "kind", workKind(next), "port", next.Port())
			continue
		}
		h.inflight[next] = struct{}{}
		h.updateGaugesLocked()
		return next, len(h.inbox) > 0
	}
	h.updateGaugesLocked()
	return nil, false
}

// FinishWork lets the backend record the completion of w, then removes it
// from the in-flight set. Finishing a work that is not in flight is a no-op.
func (h *Hcd) FinishWork(w Work) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finishLocked(w)
}

func (h *Hcd) finishLocked(w Work) {
	if _, ok := h.inflight[w]; !ok {
		return
	}
	h.backend.FinishWork(w)
	delete(h.inflight, w)
	h.metrics.finishedTotal.WithLabelValues(workKind(w)).Inc()
	h.updateGaugesLocked()
}

// CancelProcessUrbWork cancels the ProcessUrbWork carrying the URB with
// the given handle. A work still in the inbox is marked canceled and later
// dropped by NextWork; false is returned since the consumer never saw it.
// A work already in flight is marked canceled, announced to the backend
// and finished; true is returned. Unknown handles return false.
func (h *Hcd) CancelProcessUrbWork(handle usb.Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, w := range h.inbox {
		if pw, ok := w.(*ProcessUrbWork); ok && pw.Handle() == handle && !pw.Canceled() {
			pw.markCanceled()
			h.metrics.canceledTotal.Inc()
			_ = level.Debug(h.logger).Log("msg", "canceled queued urb", "handle", handle)
			return false
		}
	}

	for w := range h.inflight {
		pw, ok := w.(*ProcessUrbWork)
		if !ok || pw.Handle() != handle {
			continue
		}
		pw.markCanceled()
		h.metrics.canceledTotal.Inc()
		_ = level.Debug(h.logger).Log("msg", "canceling in-flight urb", "handle", handle, "port", pw.Port())
		q := &lockedQueue{h: h}
		h.backend.CancelingWork(pw, q)
		h.finishLocked(pw)
		if q.n > 0 {
			h.notifyLocked()
		}
		return true
	}
	return false
}

// WaitWork blocks until the inbox is non-empty or ctx is done.
func (h *Hcd) WaitWork(ctx context.Context) bool {
	ch := make(chan struct{}, 1)
	h.AddWorkEnqueuedListener(ch)
	defer h.RemoveWorkEnqueuedListener(ch)
	for {
		h.mu.Lock()
		n := len(h.inbox)
		h.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// lockedQueue enqueues with the Hcd lock already held.
type lockedQueue struct {
	h *Hcd
	n int
}

func (q *lockedQueue) Enqueue(works ...Work) {
	q.h.enqueueLocked(works)
	q.n += len(works)
}

// batch collects the works of one background step.
type batch struct {
	works []Work
}

func (b *batch) Enqueue(works ...Work) {
	b.works = append(b.works, works...)
}

func (h *Hcd) checkPort(port int) error {
	if port < 1 || port > h.ports {
		return errors.Wrapf(ErrPortOutOfRange, "port %d (controller has %d)", port, h.ports)
	}
	return nil
}

func (h *Hcd) PortConnect(port int, desc usb.DeviceDescriptor, rate usb.DataRate) error {
	if err := h.checkPort(port); err != nil {
		return err
	}
	return h.backend.PortConnect(h, port, desc, rate)
}

func (h *Hcd) PortDisconnect(port int) error {
	if err := h.checkPort(port); err != nil {
		return err
	}
	return h.backend.PortDisconnect(h, port)
}

func (h *Hcd) PortDisable(port int) error {
	if err := h.checkPort(port); err != nil {
		return err
	}
	return h.backend.PortDisable(h, port)
}

func (h *Hcd) PortResumed(port int) error {
	if err := h.checkPort(port); err != nil {
		return err
	}
	return h.backend.PortResumed(h, port)
}

func (h *Hcd) PortOvercurrent(port int) error {
	if err := h.checkPort(port); err != nil {
		return err
	}
	return h.backend.PortOvercurrent(h, port)
}

func (h *Hcd) PortResetDone(port int) error {
	if err := h.checkPort(port); err != nil {
		return err
	}
	return h.backend.PortResetDone(h, port)
}

func (h *Hcd) PortStat(port int) (PortStat, error) {
	if err := h.checkPort(port); err != nil {
		return PortStat{}, err
	}
	return h.backend.PortStat(port), nil
}

// InitBackground starts the background task driving the backend. It fails
// if the task is already running.
func (h *Hcd) InitBackground(ctx context.Context) error {
	h.bgMu.Lock()
	defer h.bgMu.Unlock()
	if h.bgDone != nil {
		return ErrBackgroundRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	h.bgCancel = cancel
	h.bgDone = make(chan struct{})
	h.bgErr = nil
	go h.background(ctx, h.bgDone)
	_ = level.Info(h.logger).Log("msg", "host controller background task started", "ports", h.ports)
	return nil
}

func (h *Hcd) background(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		b := &batch{}
		err := h.backend.Step(ctx, b)
		h.Enqueue(b.works...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = level.Error(h.logger).Log("msg", "background step failed; stopping", "err", err)
			h.bgMu.Lock()
			h.bgErr = err
			h.bgMu.Unlock()
			return
		}
	}
}

// BackgroundDone is closed when the background task exits. It returns nil
// if the task was never started.
func (h *Hcd) BackgroundDone() <-chan struct{} {
	h.bgMu.Lock()
	defer h.bgMu.Unlock()
	return h.bgDone
}

// JoinBackground stops the background task and waits for it to exit,
// returning the step error that ended it, if any. It is a no-op when the
// task is not running.
func (h *Hcd) JoinBackground() error {
	h.bgMu.Lock()
	done, cancel := h.bgDone, h.bgCancel
	h.bgMu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	<-done

	h.bgMu.Lock()
	defer h.bgMu.Unlock()
	err := h.bgErr
	h.bgDone, h.bgCancel, h.bgErr = nil, nil, nil
	_ = level.Info(h.logger).Log("msg", "host controller background task stopped")
	return err
}

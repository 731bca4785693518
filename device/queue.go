// SPDX-License-Identifier: GPL-2.0-only

package device

import (
	"container/list"

	"github.com/linuxbuh/usb-vhci/usb"
)

// submission is the engine's record of one submitted URB.
type submission struct {
	urb    *usb.Urb
	waiter chan<- struct{}
	// zombie is set when the caller forgot the URB while it was being
	// processed; its result is dropped.
	zombie bool
	// canceled is set when the URB left pending through CancelAsyncUrb.
	canceled bool
}

// urbQueue is a FIFO of submissions indexed by URB handle.
type urbQueue struct {
	order *list.List
	index map[usb.Handle]*list.Element
}

func newURBQueue() urbQueue {
	return urbQueue{order: list.New(), index: make(map[usb.Handle]*list.Element)}
}

func (q *urbQueue) len() int {
	return q.order.Len()
}

func (q *urbQueue) pushBack(s *submission) {
	q.index[s.urb.Handle] = q.order.PushBack(s)
}

func (q *urbQueue) pushFront(s *submission) {
	q.index[s.urb.Handle] = q.order.PushFront(s)
}

// insertAfter places s right behind the queued submission with handle
// mark, or at the front when mark is no longer queued.
func (q *urbQueue) insertAfter(s *submission, mark usb.Handle) {
	if e, ok := q.index[mark]; ok {
		q.index[s.urb.Handle] = q.order.InsertAfter(s, e)
		return
	}
	q.pushFront(s)
}

func (q *urbQueue) get(h usb.Handle) (*submission, bool) {
	e, ok := q.index[h]
	if !ok {
		return nil, false
	}
	return e.Value.(*submission), true
}

func (q *urbQueue) remove(h usb.Handle) (*submission, bool) {
	e, ok := q.index[h]
	if !ok {
		return nil, false
	}
	delete(q.index, h)
	return q.order.Remove(e).(*submission), true
}

func (q *urbQueue) popFront() (*submission, bool) {
	e := q.order.Front()
	if e == nil {
		return nil, false
	}
	s := q.order.Remove(e).(*submission)
	delete(q.index, s.urb.Handle)
	return s, true
}

// handles returns the queued handles in order.
func (q *urbQueue) handles() []usb.Handle {
	hs := make([]usb.Handle, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		hs = append(hs, e.Value.(*submission).urb.Handle)
	}
	return hs
}

package hcd

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/linuxbuh/usb-vhci/usb"
)

type staticSource struct {
	events [][]PortEvent
}

func (s *staticSource) Poll(context.Context) ([]PortEvent, error) {
	if len(s.events) == 0 {
		return nil, nil
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func step(t *testing.T, b *LocalBackend) []Work {
	t.Helper()
	q := &batch{}
	if err := b.Step(context.Background(), q); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	return q.works
}

func lastPortStat(t *testing.T, works []Work) *PortStatWork {
	t.Helper()
	for i := len(works) - 1; i >= 0; i-- {
		if w, ok := works[i].(*PortStatWork); ok {
			return w
		}
	}
	t.Fatalf("no port stat work in %v", works)
	return nil
}

func TestLocalBackendAnnouncesPorts(t *testing.T) {
	b := NewLocalBackend(3, nil, time.Millisecond, nil)
	works := step(t, b)
	if len(works) != 3 {
		t.Fatalf("got %d works; want 3", len(works))
	}
	for i, w := range works {
		psw, ok := w.(*PortStatWork)
		if !ok || psw.Port() != i+1 || psw.Triggers() != 0 {
			t.Errorf("work %d: got %v; want trigger-less snapshot of port %d", i, w, i+1)
		}
	}
	if works := step(t, b); len(works) != 0 {
		t.Errorf("second step produced %d works", len(works))
	}
}

func TestLocalBackendHubRequests(t *testing.T) {
	b := NewLocalBackend(1, nil, time.Millisecond, nil)
	h, err := New(1, b, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	step(t, b)

	if err := b.SetPortFeature(1, FeaturePower); err != nil {
		t.Fatal(err)
	}
	if w := lastPortStat(t, step(t, b)); !w.TriggersPowerOn() {
		t.Errorf("power on: got triggers %s", w.Triggers())
	}

	if err := h.PortConnect(1, usb.DeviceDescriptor{}, usb.RateHigh); err != nil {
		t.Fatal(err)
	}
	stat, _ := h.PortStat(1)
	if !stat.Has(PortConnection|PortHighSpeed) || stat.Change != ChangeConnection {
		t.Errorf("after connect: got %+v", stat)
	}
	if err := h.PortConnect(1, usb.DeviceDescriptor{}, usb.RateHigh); err == nil {
		t.Error("connecting a connected port succeeded")
	}
	if err := b.ClearPortFeature(1, FeatureCConnection); err != nil {
		t.Fatal(err)
	}

	if err := b.SetPortFeature(1, FeatureReset); err != nil {
		t.Fatal(err)
	}
	if w := lastPortStat(t, step(t, b)); !w.TriggersReset() {
		t.Errorf("reset: got triggers %s", w.Triggers())
	}
	if err := h.PortResetDone(1); err != nil {
		t.Fatal(err)
	}
	stat, _ = h.PortStat(1)
	if stat.Has(PortReset) || !stat.Has(PortEnable) || stat.Change&ChangeReset == 0 {
		t.Errorf("after reset done: got %+v", stat)
	}

	if err := b.SetPortFeature(1, FeatureSuspend); err != nil {
		t.Fatal(err)
	}
	if err := b.ClearPortFeature(1, FeatureSuspend); err != nil {
		t.Fatal(err)
	}
	works := step(t, b)
	if w := lastPortStat(t, works); !w.TriggersResuming() {
		t.Errorf("resume: got triggers %s", w.Triggers())
	}
	if err := h.PortResumed(1); err != nil {
		t.Fatal(err)
	}
	stat, _ = h.PortStat(1)
	if stat.Has(PortSuspend) || stat.Resuming() {
		t.Errorf("after resume: got %+v", stat)
	}

	if err := b.ClearPortFeature(1, FeaturePower); err != nil {
		t.Fatal(err)
	}
	w := lastPortStat(t, step(t, b))
	if !w.TriggersPowerOff() || !w.TriggersDisable() || w.Stat().Connected() {
		t.Errorf("power off: got triggers %s stat %+v", w.Triggers(), w.Stat())
	}
}

func TestLocalBackendRejectsUnknownFeatures(t *testing.T) {
	b := NewLocalBackend(1, nil, time.Millisecond, nil)
	if err := b.SetPortFeature(1, FeatureCReset); err == nil {
		t.Error("setting a change feature succeeded")
	}
	if err := b.ClearPortFeature(1, FeatureReset); err == nil {
		t.Error("clearing reset succeeded")
	}
	if err := b.SetPortFeature(2, FeaturePower); err == nil {
		t.Error("setting a feature on a missing port succeeded")
	}
}

func TestLocalBackendCompletions(t *testing.T) {
	b := NewLocalBackend(1, nil, time.Millisecond, nil)
	h, err := New(1, b, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	step(t, b)

	done := usb.NewBulkUrb(1, 1, []byte{1, 2})
	canceled := usb.NewBulkUrb(2, 1, []byte{3})
	for _, u := range []*usb.Urb{done, canceled} {
		if err := b.SubmitUrb(1, u); err != nil {
			t.Fatal(err)
		}
	}
	h.Enqueue(step(t, b)...)

	w1, _ := h.NextWork()
	w2, _ := h.NextWork()
	w1.(*ProcessUrbWork).Urb().Ack(2)
	h.FinishWork(w1)
	if !h.CancelProcessUrbWork(w2.(*ProcessUrbWork).Handle()) {
		t.Fatal("in-flight cancel returned false")
	}
	cw, _ := h.NextWork()
	if c, ok := cw.(*CancelUrbWork); !ok || c.Handle() != 2 {
		t.Errorf("got %v; want cancel work for urb 2", cw)
	}

	// The device still completes the canceled URB later on.
	canceled.Ack(1)

	got := b.Completions()
	want := []Completion{
		{Port: 1, Handle: 1, Status: usb.StatusSuccess, Actual: 2},
		{Port: 1, Handle: 2, Status: usb.StatusUnlinked, Canceled: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got completions %+v; want %+v", got, want)
	}
	if len(b.Completions()) != 0 {
		t.Error("completions not drained")
	}
}

func TestLocalBackendPortSource(t *testing.T) {
	src := &staticSource{events: [][]PortEvent{
		{{Port: 2, Kind: PortEventConnect, Rate: usb.RateFull}},
		{{Port: 2, Kind: PortEventDisconnect}, {Port: 5, Kind: PortEventConnect}},
	}}
	b := NewLocalBackend(2, src, time.Millisecond, nil)

	works := step(t, b)
	w := lastPortStat(t, works)
	if w.Port() != 2 || !w.Stat().Connected() {
		t.Errorf("connect event: got %+v on port %d", w.Stat(), w.Port())
	}

	works = step(t, b)
	if len(works) != 1 {
		t.Fatalf("got %d works; want 1 (bad port event skipped)", len(works))
	}
	if w := works[0].(*PortStatWork); w.Stat().Connected() {
		t.Errorf("disconnect event left port connected")
	}
}

func TestLocalBackendUnlink(t *testing.T) {
	b := NewLocalBackend(1, nil, time.Millisecond, nil)
	step(t, b)
	if err := b.UnlinkUrb(1, 42); err != nil {
		t.Fatal(err)
	}
	works := step(t, b)
	if len(works) != 1 {
		t.Fatalf("got %d works; want 1", len(works))
	}
	if cw, ok := works[0].(*CancelUrbWork); !ok || cw.Handle() != 42 {
		t.Errorf("got %v; want cancel work for 42", works[0])
	}
}

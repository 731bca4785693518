package hcd

import "testing"

var definedStatusBits = []PortStatus{
	PortConnection,
	PortEnable,
	PortSuspend,
	PortOvercurrent,
	PortReset,
	PortPower,
	PortLowSpeed,
	PortHighSpeed,
}

func statusFromIndex(i int) PortStatus {
	var s PortStatus
	for bit, v := range definedStatusBits {
		if i&(1<<bit) != 0 {
			s |= v
		}
	}
	return s
}

func expectedTriggers(prev, cur PortStat) TriggerFlags {
	on := func(s PortStat, b PortStatus) bool { return s.Status&b != 0 }
	var t TriggerFlags
	if on(prev, PortEnable) && !on(cur, PortEnable) {
		t |= TriggerDisable
	}
	if !on(prev, PortSuspend) && on(cur, PortSuspend) {
		t |= TriggerSuspend
	}
	if !prev.Resuming() && cur.Resuming() {
		t |= TriggerResuming
	}
	if on(cur, PortReset) {
		t |= TriggerReset
	}
	switch {
	case !on(prev, PortPower) && on(cur, PortPower):
		t |= TriggerPowerOn
	case on(prev, PortPower) && !on(cur, PortPower):
		t |= TriggerPowerOff
	}
	return t
}

func TestDeriveTriggersAllTransitions(t *testing.T) {
	flags := []PortFlags{0, FlagResuming}
	for p := 0; p < 1<<len(definedStatusBits); p++ {
		for c := 0; c < 1<<len(definedStatusBits); c++ {
			for _, pf := range flags {
				for _, cf := range flags {
					prev := PortStat{Status: statusFromIndex(p), Flags: pf}
					cur := PortStat{Status: statusFromIndex(c), Flags: cf}
					got := DeriveTriggers(prev, cur)
					if want := expectedTriggers(prev, cur); got != want {
						t.Fatalf("prev=%+v cur=%+v: got %s; want %s", prev, cur, got, want)
					}
					if got.Has(TriggerPowerOn) && got.Has(TriggerPowerOff) {
						t.Fatalf("prev=%+v cur=%+v: power on and off together", prev, cur)
					}
				}
			}
		}
	}
}

func TestDeriveTriggersIgnoresChangeBits(t *testing.T) {
	prev := PortStat{Status: PortPower}
	cur := PortStat{Status: PortPower, Change: ChangeConnection | ChangeReset}
	if got := DeriveTriggers(prev, cur); got != 0 {
		t.Errorf("got %s; want none", got)
	}
}

// Reset fires on every snapshot that has the bit set, unlike the other
// triggers. A consumer that sees two snapshots while the port is resetting
// is asked to complete the reset twice.
func TestResetTriggerIsLevelTriggered(t *testing.T) {
	resetting := PortStat{Status: PortPower | PortConnection | PortReset}
	if got := DeriveTriggers(resetting, resetting); !got.Has(TriggerReset) {
		t.Errorf("repeated reset snapshot: got %s; want reset", got)
	}
	suspended := PortStat{Status: PortPower | PortSuspend}
	if got := DeriveTriggers(suspended, suspended); got.Has(TriggerSuspend) {
		t.Errorf("repeated suspend snapshot: got %s; want no suspend", got)
	}
}

func TestInitialPortStatWorkHasNoTriggers(t *testing.T) {
	w := NewInitialPortStatWork(1, PortStat{Status: PortPower | PortReset, Flags: FlagResuming})
	if w.Triggers() != 0 {
		t.Errorf("got %s; want none", w.Triggers())
	}
	if w.Port() != 1 || w.Canceled() {
		t.Errorf("unexpected work state: port %d canceled %v", w.Port(), w.Canceled())
	}
}

func TestTriggerFlagsString(t *testing.T) {
	for _, tc := range []struct {
		flags TriggerFlags
		want  string
	}{
		{0, "none"},
		{TriggerReset, "reset"},
		{TriggerDisable | TriggerPowerOn, "disable|power-on"},
	} {
		if got := tc.flags.String(); got != tc.want {
			t.Errorf("%d: got %q; want %q", tc.flags, got, tc.want)
		}
	}
}

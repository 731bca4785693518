// SPDX-License-Identifier: GPL-2.0-only

package hcd

import "strings"

// PortStatus holds the wPortStatus bits of a root hub port.
type PortStatus uint16

const (
	PortConnection  PortStatus = 1 << 0
	PortEnable      PortStatus = 1 << 1
	PortSuspend     PortStatus = 1 << 2
	PortOvercurrent PortStatus = 1 << 3
	PortReset       PortStatus = 1 << 4
	PortPower       PortStatus = 1 << 8
	PortLowSpeed    PortStatus = 1 << 9
	PortHighSpeed   PortStatus = 1 << 10
)

// PortChange holds the wPortChange bits of a root hub port.
type PortChange uint16

const (
	ChangeConnection  PortChange = 1 << 0
	ChangeEnable      PortChange = 1 << 1
	ChangeSuspend     PortChange = 1 << 2
	ChangeOvercurrent PortChange = 1 << 3
	ChangeReset       PortChange = 1 << 4
)

// PortFlags holds transient port signals that are not part of wPortStatus.
type PortFlags uint8

const (
	FlagResuming PortFlags = 1 << 0
)

// PortStat is a snapshot of a port. It is a value type; two snapshots are
// equal when all their bits are.
type PortStat struct {
	Status PortStatus
	Change PortChange
	Flags  PortFlags
}

func (s PortStat) Has(bits PortStatus) bool {
	return s.Status&bits == bits
}

func (s PortStat) Connected() bool {
	return s.Has(PortConnection)
}

func (s PortStat) Resuming() bool {
	return s.Flags&FlagResuming != 0
}

// TriggerFlags is the set of events a port transition requests from the
// consumer.
type TriggerFlags uint8

const (
	TriggerDisable TriggerFlags = 1 << iota
	TriggerSuspend
	TriggerResuming
	TriggerReset
	TriggerPowerOn
	TriggerPowerOff
)

var triggerNames = []struct {
	flag TriggerFlags
	name string
}{
	{TriggerDisable, "disable"},
	{TriggerSuspend, "suspend"},
	{TriggerResuming, "resuming"},
	{TriggerReset, "reset"},
	{TriggerPowerOn, "power-on"},
	{TriggerPowerOff, "power-off"},
}

func (t TriggerFlags) Has(f TriggerFlags) bool {
	return t&f == f
}

func (t TriggerFlags) String() string {
	var names []string
	for _, n := range triggerNames {
		if t.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// DeriveTriggers computes the triggers of the transition prev -> cur.
// All triggers are edge-triggered except Reset, which fires on every
// snapshot with the reset bit set.
func DeriveTriggers(prev, cur PortStat) TriggerFlags {
	var t TriggerFlags
	if !cur.Has(PortEnable) && prev.Has(PortEnable) {
		t |= TriggerDisable
	}
	if cur.Has(PortSuspend) && !prev.Has(PortSuspend) {
		t |= TriggerSuspend
	}
	if cur.Resuming() && !prev.Resuming() {
		t |= TriggerResuming
	}
	if cur.Has(PortReset) {
		t |= TriggerReset
	}
	if cur.Has(PortPower) && !prev.Has(PortPower) {
		t |= TriggerPowerOn
	} else if !cur.Has(PortPower) && prev.Has(PortPower) {
		t |= TriggerPowerOff
	}
	return t
}

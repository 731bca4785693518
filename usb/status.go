// SPDX-License-Identifier: GPL-2.0-only

package usb

import "fmt"

// UrbStatus is the terminal outcome of a URB.
type UrbStatus int

const (
	StatusPending UrbStatus = iota
	StatusSuccess
	StatusStall
	StatusUnlinked
	StatusTimeout
	StatusOverflow
	StatusShortPacket
	StatusShutdown
	StatusNoDevice
	StatusProtocol
	StatusError
)

var statusNames = map[UrbStatus]string{
	StatusPending:     "pending",
	StatusSuccess:     "success",
	StatusStall:       "stall",
	StatusUnlinked:    "unlinked",
	StatusTimeout:     "timeout",
	StatusOverflow:    "overflow",
	StatusShortPacket: "short-packet",
	StatusShutdown:    "shutdown",
	StatusNoDevice:    "no-device",
	StatusProtocol:    "protocol",
	StatusError:       "error",
}

func (s UrbStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// SPDX-License-Identifier: GPL-2.0-only

package usb

import "fmt"

// DataRate is the signalling rate a device is attached with. The values
// follow the kernel's usb_device_speed numbering.
type DataRate uint32

const (
	RateUnknown DataRate = iota
	RateLow
	RateFull
	RateHigh
	RateWireless
	RateSuper
)

func (r DataRate) String() string {
	switch r {
	case RateLow:
		return "low"
	case RateFull:
		return "full"
	case RateHigh:
		return "high"
	case RateWireless:
		return "wireless"
	case RateSuper:
		return "super"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(r))
	}
}

// ParseDataRate maps the sysfs "speed" attribute of a USB device to a DataRate.
func ParseDataRate(speed string) DataRate {
	switch speed {
	case "1.5":
		return RateLow
	case "12":
		return RateFull
	case "480":
		return RateHigh
	case "53.3-480":
		return RateWireless
	case "5000":
		return RateSuper
	default:
		return RateUnknown
	}
}

// DataRateByName resolves the names produced by DataRate.String.
func DataRateByName(name string) (DataRate, bool) {
	for r := RateLow; r <= RateSuper; r++ {
		if r.String() == name {
			return r, true
		}
	}
	return RateUnknown, false
}

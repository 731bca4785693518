// SPDX-License-Identifier: Apache-2.0

package driver

import "github.com/linuxbuh/usb-vhci/usb"

const (
	VHCIControllerBusType    = "platform"
	VHCIControllerDeviceName = "vhci_hcd.0"
)

type HubSpeed uint8

const (
	HubSpeedHigh HubSpeed = iota
	HubSpeedSuper
)

type USBIPStatus uint32
type USBID uint16

const (
	SDevStatusUndefined USBIPStatus = iota
	SDevStatusAvailable
	SDevStatusUsed
	SDevStatusError
	VDevStatusNull
	VDevStatusNotAssigned
	VDevStatusUsed
	VDevStatusError
)

// VirtualPort is a 0-based vhci_hcd port number.
type VirtualPort uint8

type USBDevice struct {
	// Vendor is the USB Vendor ID of the device.
	Vendor USBID `json:"vendor"`
	// Product is the USB Product ID of the device.
	Product USBID `json:"product"`
	// BusId describes USB Bus ID of the device.
	BusId string `json:"bus_id"`
}

// VHCISlot is one port of the kernel virtual host controller.
type VHCISlot struct {
	HubSpeed HubSpeed
	Port     VirtualPort
	Status   USBIPStatus
	Rate     usb.DataRate

	DeviceID        uint32
	SysPath         string
	DevMountPath    string
	LocalDeviceInfo USBDevice
}

// IsEmpty reports whether no device is attached to the slot.
func (s VHCISlot) IsEmpty() bool {
	return s.Status == VDevStatusNull || s.Status == VDevStatusNotAssigned || s.Status == 0
}

// Descriptor is the part of the device descriptor known from sysfs.
func (s VHCISlot) Descriptor() usb.DeviceDescriptor {
	return usb.DeviceDescriptor{
		VendorID:  uint16(s.LocalDeviceInfo.Vendor),
		ProductID: uint16(s.LocalDeviceInfo.Product),
	}
}

// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	baseerrors "errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/linuxbuh/usb-vhci/hcd"
	"github.com/linuxbuh/usb-vhci/usb"
)

// SysfsPortSource watches the kernel vhci_hcd status files and reports
// attached and detached devices as port events. Virtual port n maps to
// host controller port n+1.
type SysfsPortSource struct {
	fsys fs.FS

	AvailableControllers uint

	AttachedDevices []VHCISlot

	logger log.Logger
}

const (
	Sys    = "/sys"
	sysBus = "bus"
)

func hostControllerPath() string {
	return path.Join(sysBus, VHCIControllerBusType, "devices", VHCIControllerDeviceName)
}

func usbSysPath(busId string) string {
	return path.Join(sysBus, "usb", "devices", busId)
}

func (d *SysfsPortSource) GetDeviceSlots() []VHCISlot {
	return d.AttachedDevices
}

func (d *SysfsPortSource) readDeviceAttribute(sysPath string, attributeName string) (string, error) {
	content, err := fs.ReadFile(d.fsys, path.Join(sysPath, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (d *SysfsPortSource) readDeviceUint16Attribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := d.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16
	if _, err := fmt.Sscanf(attrStr, "%d", &result); err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (d *SysfsPortSource) readDeviceUint16HexAttribute(sysPath string, attributeName string) (uint16, error) {
	attrStr, err := d.readDeviceAttribute(sysPath, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16
	if _, err := fmt.Sscanf(attrStr, "%04x", &result); err != nil {
		return 0, errors.Wrapf(err, "failed to read device attribute %s", attributeName)
	}
	return result, nil
}

func (d *SysfsPortSource) initPorts() error {
	nportsStr, err := d.readDeviceAttribute(hostControllerPath(), "nports")
	if err != nil {
		return errors.New("failed to read nports attribute")
	}
	var nports uint32
	if _, err := fmt.Sscanf(nportsStr, "%d", &nports); err != nil {
		return errors.New("failed to parse nports attribute")
	}
	if nports == 0 {
		return errors.New("VHCI host controller does not have any ports available")
	}

	d.AttachedDevices = make([]VHCISlot, nports)
	return nil
}

func (d *SysfsPortSource) countControllers() error {
	var count uint
	devicesDir := path.Join(sysBus, VHCIControllerBusType, "devices")
	files, err := fs.ReadDir(d.fsys, devicesDir)
	if err != nil {
		return errors.Wrap(err, "failed to read platform sysdir")
	}
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "vhci_hcd.") {
			count++
		}
	}

	d.AvailableControllers = count
	return nil
}

func (d *SysfsPortSource) describeUsbFromBusId(attachedDevice *VHCISlot, busId string) error {
	sysPath := usbSysPath(busId)

	vendor, vendErr := d.readDeviceUint16HexAttribute(sysPath, "idVendor")
	product, prodErr := d.readDeviceUint16HexAttribute(sysPath, "idProduct")
	busnum, busnumErr := d.readDeviceUint16Attribute(sysPath, "busnum")
	devnum, devnumErr := d.readDeviceUint16Attribute(sysPath, "devnum")

	if totalErr := baseerrors.Join(vendErr, prodErr, busnumErr, devnumErr); totalErr != nil {
		return errors.Wrap(totalErr, "failed to describe device")
	}

	attachedDevice.LocalDeviceInfo = USBDevice{
		BusId:   busId,
		Vendor:  USBID(vendor),
		Product: USBID(product),
	}
	attachedDevice.DevMountPath = fmt.Sprintf("/dev/bus/usb/%03d/%03d", busnum, devnum)
	if speed, err := d.readDeviceAttribute(sysPath, "speed"); err == nil {
		if rate := usb.ParseDataRate(speed); rate != usb.RateUnknown {
			attachedDevice.Rate = rate
		}
	}
	return nil
}

func (d *SysfsPortSource) updateDevicesFromControllerStatus(slots []VHCISlot, statusContent string) error {
	lines := strings.Split(statusContent, "\n")

	var port VirtualPort
	var deviceId uint32
	var speed uint32
	var status USBIPStatus
	var fd uint // ignored
	var hubSpeed string
	var busId string
	for i, line := range lines[1:] {
		_, err := fmt.Sscanf(
			line,
			"%2s  %d %d %d %x %d %31s",
			&hubSpeed, &port, &status, &speed, &deviceId, &fd, &busId,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to parse status line %d: %s", i, line)
		}

		if int(port) >= len(slots) {
			return errors.Newf("failed to parse status line %d: port %d out of range", i, port)
		}

		var device = &slots[port]

		switch hubSpeed {
		case "hs":
			device.HubSpeed = HubSpeedHigh
		default:
			device.HubSpeed = HubSpeedSuper
		}

		device.Port = port
		device.Status = status
		device.DeviceID = deviceId
		device.SysPath = usbSysPath(busId)
		device.Rate = usb.DataRate(speed)

		if device.IsEmpty() {
			device.LocalDeviceInfo = USBDevice{}
			device.DevMountPath = ""
		} else {
			_ = level.Debug(d.logger).Log("msg", "processing non-empty virtual port", "port", port, "status", status, "busId", busId)
			if err := d.describeUsbFromBusId(device, busId); err != nil {
				return errors.Wrapf(err, "failed to describe device %s", busId)
			}
		}
	}
	return nil
}

// UpdateAttachedDevices rereads the status of every controller. The slots
// are only replaced when all of them could be read.
func (d *SysfsPortSource) UpdateAttachedDevices() error {
	slots := make([]VHCISlot, len(d.AttachedDevices))
	for i := uint(0); i < d.AvailableControllers; i++ {
		name := "status"
		if i > 0 {
			name = fmt.Sprintf("status.%d", i)
		}
		status, err := d.readDeviceAttribute(hostControllerPath(), name)
		if err != nil {
			return errors.Newf("failed to get status of controller %d", i)
		}
		if err := d.updateDevicesFromControllerStatus(slots, status); err != nil {
			return err
		}
	}
	d.AttachedDevices = slots
	return nil
}

// Poll rereads the controller status and reports the differences with the
// previous poll. Devices present at the first poll are reported as
// connected. A slot whose device changed is reported as a disconnect
// followed by a connect.
func (d *SysfsPortSource) Poll(ctx context.Context) ([]hcd.PortEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prev := d.AttachedDevices
	if err := d.UpdateAttachedDevices(); err != nil {
		return nil, err
	}

	var events []hcd.PortEvent
	for i, cur := range d.AttachedDevices {
		old := prev[i]
		wasUsed, isUsed := !old.IsEmpty(), !cur.IsEmpty()
		replaced := wasUsed && isUsed && (old.DeviceID != cur.DeviceID || old.LocalDeviceInfo != cur.LocalDeviceInfo)
		port := i + 1
		if wasUsed && (!isUsed || replaced) {
			events = append(events, hcd.PortEvent{Port: port, Kind: hcd.PortEventDisconnect})
		}
		if isUsed && (!wasUsed || replaced) {
			_ = level.Info(d.logger).Log("msg", "device attached to virtual port", "port", cur.Port, "busId", cur.LocalDeviceInfo.BusId)
			events = append(events, hcd.PortEvent{
				Port:       port,
				Kind:       hcd.PortEventConnect,
				Descriptor: cur.Descriptor(),
				Rate:       cur.Rate,
			})
		}
	}
	return events, nil
}

// NewSysfsPortSource reads the controller layout from fsys, which is
// rooted at the sysfs mount point. No device is reported before the first
// Poll.
func NewSysfsPortSource(fsys fs.FS, logger log.Logger) (*SysfsPortSource, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	driver := &SysfsPortSource{
		fsys:   fsys,
		logger: logger,
	}

	if err := driver.initPorts(); err != nil {
		return nil, err
	}
	if err := driver.countControllers(); err != nil {
		return nil, err
	}

	_ = level.Info(logger).Log("msg", "initialized VHCI port source", "nports", len(driver.AttachedDevices), "ncontrollers", driver.AvailableControllers)
	return driver, nil
}

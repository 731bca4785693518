package driver

import (
	"context"
	"reflect"
	"testing"
	"testing/fstest"

	"github.com/efficientgo/core/errors"

	"github.com/linuxbuh/usb-vhci/hcd"
	"github.com/linuxbuh/usb-vhci/usb"
)

const (
	statusHeader = "hub port sta spd dev      sockfd local_busid\n"
)

var (
	slot21 = VHCISlot{
		HubSpeed:        HubSpeedHigh,
		Port:            VirtualPort(0),
		Status:          VDevStatusUsed,
		Rate:            usb.RateFull,
		DeviceID:        0x00010002,
		SysPath:         "bus/usb/devices/2-1",
		DevMountPath:    "/dev/bus/usb/002/033",
		LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-1"},
	}
	slot22 = VHCISlot{
		HubSpeed:        HubSpeedSuper,
		Port:            VirtualPort(3),
		Status:          VDevStatusUsed,
		Rate:            usb.RateHigh,
		DeviceID:        0x00080002,
		SysPath:         "bus/usb/devices/2-2",
		DevMountPath:    "/dev/bus/usb/002/034",
		LocalDeviceInfo: USBDevice{USBID(0xdead), USBID(0xbeef), "2-2"},
	}
)

func compareSlots(t *testing.T, driver *SysfsPortSource, expectedSlots map[int]VHCISlot) {
	slots := driver.GetDeviceSlots()
	for i, slot := range expectedSlots {
		if slots[i] != slot {
			t.Errorf("port %d: got %v; want %v", i, slots[i], slot)
		}
	}

	for i, slot := range slots {
		_, isExpected := expectedSlots[i]
		if !slot.IsEmpty() && !isExpected {
			t.Errorf("port %d: status is %d, expected null", i, slot.Status)
		}
	}
}

func bothAttached() fstest.MapFS {
	return fstest.MapFS{
		"bus/platform/devices/vhci_hcd.0/nports": {Data: []byte("4\n")},
		"bus/platform/devices/vhci_hcd.0/status": {Data: []byte(
			statusHeader +
				"hs  0000 006 002 00010002 000010 2-1\n" +
				"hs  0001 004 000 00000000 000000 0-0\n" +
				"hs  0002 004 000 00000000 000000 0-0\n" +
				"ss  0003 006 003 00080002 000011 2-2\n",
		)},
		"bus/usb/devices/2-1/idVendor":  {Data: []byte("dead\n")},
		"bus/usb/devices/2-1/idProduct": {Data: []byte("beef\n")},
		"bus/usb/devices/2-1/busnum":    {Data: []byte("02\n")},
		"bus/usb/devices/2-1/devnum":    {Data: []byte("33\n")},
		"bus/usb/devices/2-2/idVendor":  {Data: []byte("dead\n")},
		"bus/usb/devices/2-2/idProduct": {Data: []byte("beef\n")},
		"bus/usb/devices/2-2/busnum":    {Data: []byte("02\n")},
		"bus/usb/devices/2-2/devnum":    {Data: []byte("34\n")},
	}
}

func TestSlotEnumeration(t *testing.T) {
	partial := bothAttached()
	delete(partial, "bus/usb/devices/2-2/busnum")
	delete(partial, "bus/usb/devices/2-2/devnum")

	withSpeed := bothAttached()
	withSpeed["bus/usb/devices/2-1/speed"] = &fstest.MapFile{Data: []byte("480\n")}
	slot21High := slot21
	slot21High.Rate = usb.RateHigh

	for _, tc := range []struct {
		name    string
		fs      fstest.MapFS
		slots   map[int]VHCISlot
		initErr error
		err     error
	}{
		{
			name:    "sysfs unreadable",
			fs:      fstest.MapFS{},
			initErr: errors.New("failed to read nports attribute"),
		},
		{
			name:  "detect",
			fs:    bothAttached(),
			slots: map[int]VHCISlot{0: slot21, 3: slot22},
		},
		{
			name:  "sysfs speed overrides status column",
			fs:    withSpeed,
			slots: map[int]VHCISlot{0: slot21High, 3: slot22},
		},
		{
			name: "handle partially missing data",
			fs:   partial,
			err:  errors.New("failed to describe device"),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			driver, err := NewSysfsPortSource(tc.fs, nil)
			if (err != nil) != (tc.initErr != nil) {
				t.Fatalf("expected error %v; got %v", tc.initErr, err)
			}
			if err != nil {
				return
			}
			err = driver.UpdateAttachedDevices()
			if (err != nil) != (tc.err != nil) {
				t.Errorf("expected error %v; got %v", tc.err, err)
			}
			if err != nil {
				return
			}
			compareSlots(t, driver, tc.slots)
		})
	}
}

func TestFailedUpdateKeepsSlots(t *testing.T) {
	fsys := bothAttached()
	driver, err := NewSysfsPortSource(fsys, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := driver.UpdateAttachedDevices(); err != nil {
		t.Fatal(err)
	}
	fsys["bus/platform/devices/vhci_hcd.0/status"] = &fstest.MapFile{Data: []byte(
		statusHeader + "hs  0009 006 002 00010002 000010 2-1\n",
	)}
	if err := driver.UpdateAttachedDevices(); err == nil {
		t.Fatal("expected error for out of range port")
	}
	compareSlots(t, driver, map[int]VHCISlot{0: slot21, 3: slot22})
}

func TestDetachUpdate(t *testing.T) {
	fsys := bothAttached()
	driver, err := NewSysfsPortSource(fsys, nil)
	if err != nil {
		t.Fatal(err)
	}

	events, err := driver.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []hcd.PortEvent{
		{Port: 1, Kind: hcd.PortEventConnect, Descriptor: slot21.Descriptor(), Rate: usb.RateFull},
		{Port: 4, Kind: hcd.PortEventConnect, Descriptor: slot22.Descriptor(), Rate: usb.RateHigh},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("initial poll: got %+v; want %+v", events, want)
	}

	delete(fsys, "bus/usb/devices/2-2/idVendor")
	delete(fsys, "bus/usb/devices/2-2/idProduct")
	delete(fsys, "bus/usb/devices/2-2/busnum")
	delete(fsys, "bus/usb/devices/2-2/devnum")
	fsys["bus/platform/devices/vhci_hcd.0/status"] = &fstest.MapFile{Data: []byte(
		statusHeader +
			"hs  0000 006 002 00010002 000010 2-1\n" +
			"hs  0001 004 000 00000000 000000 0-0\n" +
			"hs  0002 004 000 00000000 000000 0-0\n" +
			"ss  0003 004 000 00080000 000000 0-0\n",
	),
	}

	events, err = driver.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := []hcd.PortEvent{{Port: 4, Kind: hcd.PortEventDisconnect}}; !reflect.DeepEqual(events, want) {
		t.Errorf("after detach: got %+v; want %+v", events, want)
	}
	compareSlots(t, driver, map[int]VHCISlot{0: slot21})
}

func TestAttachUpdate(t *testing.T) {
	fsys := bothAttached()
	fsys["bus/platform/devices/vhci_hcd.0/status"] = &fstest.MapFile{Data: []byte(
		statusHeader +
			"hs  0000 006 002 00010002 000010 2-1\n" +
			"hs  0001 004 000 00000000 000000 0-0\n" +
			"hs  0002 004 000 00000000 000000 0-0\n" +
			"ss  0003 004 000 00080000 000000 0-0\n",
	)}

	driver, err := NewSysfsPortSource(fsys, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := driver.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	fsys["bus/platform/devices/vhci_hcd.0/status"] = bothAttached()["bus/platform/devices/vhci_hcd.0/status"]
	events, err := driver.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []hcd.PortEvent{{Port: 4, Kind: hcd.PortEventConnect, Descriptor: slot22.Descriptor(), Rate: usb.RateHigh}}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("after attach: got %+v; want %+v", events, want)
	}
	compareSlots(t, driver, map[int]VHCISlot{0: slot21, 3: slot22})
}

func TestReplacedDevice(t *testing.T) {
	fsys := bothAttached()
	driver, err := NewSysfsPortSource(fsys, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := driver.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	fsys["bus/platform/devices/vhci_hcd.0/status"] = &fstest.MapFile{Data: []byte(
		statusHeader +
			"hs  0000 006 002 00010003 000012 2-1\n" +
			"hs  0001 004 000 00000000 000000 0-0\n" +
			"hs  0002 004 000 00000000 000000 0-0\n" +
			"ss  0003 006 003 00080002 000011 2-2\n",
	)}
	events, err := driver.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []hcd.PortEvent{
		{Port: 1, Kind: hcd.PortEventDisconnect},
		{Port: 1, Kind: hcd.PortEventConnect, Descriptor: slot21.Descriptor(), Rate: usb.RateFull},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("got %+v; want %+v", events, want)
	}
}

func TestPollHonorsContext(t *testing.T) {
	driver, err := NewSysfsPortSource(bothAttached(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := driver.Poll(ctx); err == nil {
		t.Error("poll with canceled context succeeded")
	}
}

package usb

import (
	"bytes"
	"testing"
)

func TestDeviceDescriptorBytes(t *testing.T) {
	d := Descriptors{
		Device: DeviceDescriptor{
			USBVersion:     0x0200,
			MaxPacketSize0: 64,
			VendorID:       0x1d6b,
			ProductID:      0x0104,
			DeviceVersion:  0x0100,
			ProductIndex:   2,
		},
		Configurations: []Configuration{{Value: 1}},
	}
	want := []byte{18, 1, 0x00, 0x02, 0, 0, 0, 64, 0x6b, 0x1d, 0x04, 0x01, 0x00, 0x01, 0, 2, 0, 1}
	if got := d.DeviceBytes(); !bytes.Equal(got, want) {
		t.Errorf("got % x; want % x", got, want)
	}
}

func TestConfigurationBytes(t *testing.T) {
	c := Configuration{
		Value:    1,
		MaxPower: 50,
		Interfaces: []Interface{{
			Number: 0,
			AltSettings: []AltSetting{
				{Number: 0, Class: 0xFF},
				{Number: 1, Class: 0xFF, Endpoints: []EndpointDescriptor{
					{Address: 0x81, Attributes: EndpointBulk, MaxPacketSize: 512},
				}},
			},
		}},
	}
	b := c.Bytes()
	wantLen := ConfigurationDescriptorSize + 2*InterfaceDescriptorSize + EndpointDescriptorSize
	if len(b) != wantLen {
		t.Fatalf("got %d bytes; want %d", len(b), wantLen)
	}
	if total := int(b[2]) | int(b[3])<<8; total != wantLen {
		t.Errorf("got wTotalLength %d; want %d", total, wantLen)
	}
	if b[4] != 1 || b[5] != 1 || b[7]&ConfigAttrBusPowered == 0 {
		t.Errorf("unexpected configuration header % x", b[:9])
	}
	ep := b[len(b)-EndpointDescriptorSize:]
	if ep[1] != DescriptorTypeEndpoint || ep[2] != 0x81 {
		t.Errorf("unexpected endpoint descriptor % x", ep)
	}
}

func TestStringDescriptors(t *testing.T) {
	if got, want := StringDescriptor("Ab"), []byte{6, 3, 'A', 0, 'b', 0}; !bytes.Equal(got, want) {
		t.Errorf("got % x; want % x", got, want)
	}
	if got, want := LanguageTable(LangEnglishUS), []byte{4, 3, 0x09, 0x04}; !bytes.Equal(got, want) {
		t.Errorf("got % x; want % x", got, want)
	}
	long := StringDescriptor(string(bytes.Repeat([]byte{'x'}, 300)))
	if len(long) > 255 || int(long[0]) != len(long) {
		t.Errorf("got %d bytes with bLength %d", len(long), long[0])
	}
}

func TestEndpointTransferKind(t *testing.T) {
	for attr, want := range map[uint8]Kind{
		EndpointControl:     KindControl,
		EndpointIsochronous: KindIsochronous,
		EndpointBulk:        KindBulk,
		EndpointInterrupt:   KindInterrupt,
	} {
		if got := (EndpointDescriptor{Attributes: attr}).TransferKind(); got != want {
			t.Errorf("attributes %#x: got %s; want %s", attr, got, want)
		}
	}
}

func TestDataRateNames(t *testing.T) {
	for r := RateLow; r <= RateSuper; r++ {
		got, ok := DataRateByName(r.String())
		if !ok || got != r {
			t.Errorf("got %v, %v for %q; want %v", got, ok, r.String(), r)
		}
	}
	if ParseDataRate("480") != RateHigh || ParseDataRate("?") != RateUnknown {
		t.Error("unexpected sysfs speed parsing")
	}
}

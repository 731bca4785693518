// SPDX-License-Identifier: GPL-2.0-only

package emulated

import (
	"encoding/binary"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linuxbuh/usb-vhci/device"
	"github.com/linuxbuh/usb-vhci/usb"
)

const (
	EndpointOut usb.Endpoint = 0x01
	EndpointIn  usb.Endpoint = usb.EndpointDirIn | 0x01
)

const (
	stringManufacturer uint8 = iota + 1
	stringProduct
	stringSerial
)

// RequestBuffered is a vendor IN request returning the number of buffered
// bytes as a little-endian uint32.
const RequestBuffered uint8 = 0x01

const featureEndpointHalt = 0

// Loopback is a vendor-specific device with one bulk OUT and one bulk IN
// endpoint. Bytes written to the OUT endpoint are read back from the IN
// endpoint in order. An IN transfer with nothing buffered, or an OUT
// transfer with a full buffer, stays pending until the other side makes
// progress.
type Loopback struct {
	*device.Base

	cfg    Config
	logger log.Logger

	mu  sync.Mutex
	buf []byte
}

func NewLoopback(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Loopback, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rate, _ := cfg.DataRate()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	l := &Loopback{cfg: cfg, logger: logger}
	l.Base = device.New(descriptors(cfg, rate), rate, l, logger, reg)
	return l, nil
}

func descriptors(cfg Config, rate usb.DataRate) usb.Descriptors {
	maxPacket := uint16(64)
	usbVersion := uint16(0x0110)
	if rate == usb.RateHigh {
		maxPacket = 512
		usbVersion = 0x0200
	}
	dev := usb.DeviceDescriptor{
		USBVersion:     usbVersion,
		DeviceClass:    0xFF,
		MaxPacketSize0: 64,
		VendorID:       cfg.VendorID,
		ProductID:      cfg.ProductID,
		DeviceVersion:  0x0100,
	}
	if rate == usb.RateLow {
		dev.MaxPacketSize0 = 8
		maxPacket = 8
	}
	if cfg.Manufacturer != "" {
		dev.ManufacturerIndex = stringManufacturer
	}
	if cfg.Product != "" {
		dev.ProductIndex = stringProduct
	}
	if cfg.Serial != "" {
		dev.SerialNumberIndex = stringSerial
	}
	return usb.Descriptors{
		Device: dev,
		Configurations: []usb.Configuration{{
			Value:    1,
			MaxPower: 50,
			Interfaces: []usb.Interface{{
				Number: 0,
				AltSettings: []usb.AltSetting{{
					Class: 0xFF,
					Endpoints: []usb.EndpointDescriptor{
						{Address: EndpointOut, Attributes: usb.EndpointBulk, MaxPacketSize: maxPacket},
						{Address: EndpointIn, Attributes: usb.EndpointBulk, MaxPacketSize: maxPacket},
					},
				}},
			}},
		}},
	}
}

func (l *Loopback) Name() string {
	return l.cfg.Name
}

func (l *Loopback) StringDescriptor(index uint8, _ uint16) (string, bool) {
	var s string
	switch index {
	case stringManufacturer:
		s = l.cfg.Manufacturer
	case stringProduct:
		s = l.cfg.Product
	case stringSerial:
		s = l.cfg.Serial
	}
	return s, s != ""
}

// ClearFeature accepts ENDPOINT_HALT on the bulk endpoints.
func (l *Loopback) ClearFeature(urb *usb.Urb) bool {
	s := urb.Setup
	ep := usb.Endpoint(s.Index)
	if s.Recipient() != usb.RecipientEndpoint || s.Value != featureEndpointHalt || (ep != EndpointOut && ep != EndpointIn) {
		urb.Stall()
		return true
	}
	urb.Ack(0)
	return true
}

func (l *Loopback) ProcRequest(urb *usb.Urb) bool {
	s := urb.Setup
	if s.Type() != usb.TypeVendor || s.Request != RequestBuffered || !s.In() || s.Length < 4 || len(urb.Buffer) < 4 {
		urb.Stall()
		return true
	}
	binary.LittleEndian.PutUint32(urb.Buffer, uint32(l.Buffered()))
	urb.Ack(4)
	return true
}

// Buffered returns the number of bytes waiting to be read back.
func (l *Loopback) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

func (l *Loopback) ProcBulkUrb(urb *usb.Urb) bool {
	if l.State() != device.StateConfigured {
		urb.Stall()
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	switch urb.Endpoint {
	case EndpointOut:
		free := l.cfg.BufferSize - len(l.buf)
		if free == 0 && len(urb.Buffer) > 0 {
			return false
		}
		n := min(free, len(urb.Buffer))
		l.buf = append(l.buf, urb.Buffer[:n]...)
		urb.Ack(n)
	case EndpointIn:
		if len(l.buf) == 0 {
			return false
		}
		n := copy(urb.Buffer, l.buf)
		l.buf = append(l.buf[:0], l.buf[n:]...)
		urb.Ack(n)
	default:
		_ = level.Debug(l.logger).Log("msg", "bulk transfer on unknown endpoint", "endpoint", urb.Endpoint)
		urb.Stall()
	}
	return true
}

// Reset drops buffered data in addition to resetting the device state.
func (l *Loopback) Reset() {
	l.Base.Reset()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = l.buf[:0]
}

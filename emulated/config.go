// SPDX-License-Identifier: GPL-2.0-only

package emulated

import (
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/linuxbuh/usb-vhci/usb"
)

// Config describes the emulated loopback device.
type Config struct {
	// Name identifies the device in logs and metrics.
	Name         string `json:"name"`
	VendorID     uint16 `json:"vendor"`
	ProductID    uint16 `json:"product"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"productName"`
	Serial       string `json:"serial"`
	// Rate is one of low, full or high.
	Rate string `json:"rate"`
	// BufferSize bounds the bytes held between OUT and IN transfers.
	BufferSize int `json:"bufferSize"`
}

func DefaultConfig() Config {
	return Config{
		Name:         "loopback",
		VendorID:     0x1d6b,
		ProductID:    0x0104,
		Manufacturer: "usb-vhci",
		Product:      "Loopback",
		Rate:         "high",
		BufferSize:   4096,
	}
}

// DecodeConfig overlays raw, typically the device section of the config
// file, on the defaults.
func DecodeConfig(raw map[string]any) (Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, errors.Wrap(err, "failed to decode device config")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if errs := validation.IsDNS1123Label(c.Name); len(errs) > 0 {
		return errors.Newf("invalid device name %q: %s", c.Name, strings.Join(errs, ", "))
	}
	if _, err := c.DataRate(); err != nil {
		return err
	}
	if c.BufferSize <= 0 {
		return errors.Newf("buffer size must be positive, got %d", c.BufferSize)
	}
	return nil
}

func (c Config) DataRate() (usb.DataRate, error) {
	r, ok := usb.DataRateByName(c.Rate)
	if !ok {
		return usb.RateUnknown, errors.Newf("unknown data rate %q", c.Rate)
	}
	switch r {
	case usb.RateLow, usb.RateFull, usb.RateHigh:
		return r, nil
	default:
		return usb.RateUnknown, errors.Newf("data rate %s is not supported by the loopback device", r)
	}
}

package cp2130

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/norasector/spiacq/pkg/acq/device"
	"github.com/norasector/spiacq/pkg/util"
	"github.com/rs/zerolog/log"
)

// Config selects the SPI channel and bus parameters applied right after the device is opened.
type Config struct {
	Channel        int
	ClockHz        int
	Mode           int
	CSExclusive    bool
	ControlTimeout time.Duration
}

// Transport opens CP2130 bridges through libusb.
type Transport struct {
	usb *gousb.Context
	cfg Config
}

func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Channel < 0 || cfg.Channel > 10 {
		return nil, fmt.Errorf("cp2130: invalid spi channel %d", cfg.Channel)
	}
	if _, _, err := clockCode(cfg.ClockHz); err != nil {
		return nil, err
	}
	if _, err := spiWord(cfg.Mode, 0); err != nil {
		return nil, err
	}

	return &Transport{
		usb: gousb.NewContext(),
		cfg: cfg,
	}, nil
}

func (t *Transport) Close() error {
	return t.usb.Close()
}

// Open claims the bridge at bus/address and configures its SPI channel.
func (t *Transport) Open(bus, address int) (device.Handle, error) {
	devs, err := t.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == bus && desc.Address == address &&
			desc.Vendor == gousb.ID(VendorID) && desc.Product == gousb.ID(ProductID)
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("cp2130: open bus=%d addr=%d: %w", bus, address, err)
		}
		return nil, fmt.Errorf("cp2130: no device at bus=%d addr=%d", bus, address)
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}

	h := &handle{dev: devs[0]}
	if err := h.claim(t.cfg); err != nil {
		h.Close()
		return nil, fmt.Errorf("cp2130: claim bus=%d addr=%d: %w", bus, address, err)
	}

	log.Debug().Int("bus", bus).Int("address", address).Int("channel", t.cfg.Channel).Msg("cp2130 opened")
	return h, nil
}

type handle struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func (h *handle) claim(c Config) error {
	if c.ControlTimeout > 0 {
		h.dev.ControlTimeout = c.ControlTimeout
	}
	if err := h.dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("auto detach: %w", err)
	}

	var err error
	if h.cfg, err = h.dev.Config(usbConfig); err != nil {
		return fmt.Errorf("config %d: %w", usbConfig, err)
	}
	if h.intf, err = h.cfg.Interface(usbInterface, 0); err != nil {
		return fmt.Errorf("interface %d: %w", usbInterface, err)
	}
	if h.out, err = h.intf.OutEndpoint(epOut); err != nil {
		return fmt.Errorf("out endpoint: %w", err)
	}
	if h.in, err = h.intf.InEndpoint(epIn); err != nil {
		return fmt.Errorf("in endpoint: %w", err)
	}

	cs := csEnable
	if c.CSExclusive {
		cs = csExclusive
	}
	if _, err := h.dev.Control(reqTypeVendorOut, reqSetGPIOChipSelect, 0, 0, []byte{byte(c.Channel), cs}); err != nil {
		return fmt.Errorf("set chip select: %w", err)
	}

	code, hz, err := clockCode(c.ClockHz)
	if err != nil {
		return err
	}
	word, err := spiWord(c.Mode, code)
	if err != nil {
		return err
	}
	if _, err := h.dev.Control(reqTypeVendorOut, reqSetSPIWord, 0, 0, []byte{byte(c.Channel), word}); err != nil {
		return fmt.Errorf("set spi word: %w", err)
	}
	log.Debug().Int("channel", c.Channel).Str("spi_clock", util.FormatHz(hz)).Int("mode", c.Mode).Msg("cp2130 spi configured")

	return nil
}

// Write performs an SPI write of p.
func (h *handle) Write(ctx context.Context, p []byte) error {
	buf := append(transferHeader(cmdWrite, len(p)), p...)
	n, err := h.out.WriteContext(ctx, buf)
	if err != nil {
		return fmt.Errorf("cp2130 write: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("cp2130 write: short write %d of %d bytes", n, len(buf))
	}
	return nil
}

// Read requests an SPI read of max bytes and returns what the bridge delivered.
func (h *handle) Read(ctx context.Context, max int) ([]byte, error) {
	if max <= 0 {
		return nil, errors.New("cp2130 read: length must be > 0")
	}
	if _, err := h.out.WriteContext(ctx, transferHeader(cmdRead, max)); err != nil {
		return nil, fmt.Errorf("cp2130 read request: %w", err)
	}

	buf := make([]byte, max)
	n, err := h.in.ReadContext(ctx, buf)
	if n > 0 {
		// A transfer cut short by the deadline still delivered these bytes in order.
		return buf[:n], nil
	}
	if err != nil && !readTimedOut(ctx, err) {
		return nil, fmt.Errorf("cp2130 read: %w", err)
	}
	return nil, nil
}

// readTimedOut reports whether err only means the bridge had nothing to send before the deadline.
// gousb reports an expired ctx as a cancelled transfer, so the ctx is checked rather than err.
func readTimedOut(ctx context.Context, err error) bool {
	if errors.Is(err, gousb.TransferTimedOut) {
		return true
	}
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (h *handle) Close() error {
	if h.intf != nil {
		h.intf.Close()
		h.intf = nil
	}
	var err error
	if h.cfg != nil {
		err = h.cfg.Close()
		h.cfg = nil
	}
	if h.dev != nil {
		if cerr := h.dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
		h.dev = nil
	}
	return err
}

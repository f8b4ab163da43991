package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/norasector/spiacq/pkg/acq"
	"github.com/norasector/spiacq/pkg/frame"
	"github.com/norasector/spiacq/pkg/sequence"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

const (
	DeviceCP2130 = "cp2130"
	DeviceFile   = "file"
)

type Config struct {
	Device                     string              `yaml:"device"`
	Bus                        int                 `yaml:"bus"`
	Address                    int                 `yaml:"address"`
	PacketSize                 int                 `yaml:"packet_size"`
	PollInterval               time.Duration       `yaml:"poll_interval"`
	ReadTimeout                time.Duration       `yaml:"read_timeout"`
	MaxConsecutiveReadFailures int                 `yaml:"max_consecutive_read_failures"`
	SPI                        SPI                 `yaml:"spi"`
	StartSequence              []Step              `yaml:"start_sequence"`
	StopSequence               []Step              `yaml:"stop_sequence"`
	PlaybackLocation           string              `yaml:"playback_location"`
	PlaybackLoop               bool                `yaml:"playback_loop"`
	PlaybackReadSize           int                 `yaml:"playback_read_size"`
	RecordLocation             string              `yaml:"record_location"`
	SQLiteLocation             string              `yaml:"sqlite_location"`
	OutputDestinations         []OutputDestination `yaml:"output_destinations"`
	VizServer                  struct {
		Port           int           `yaml:"port"`
		UpdateInterval time.Duration `yaml:"update_interval"`
	} `yaml:"viz_server"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
	LogLevel string `yaml:"log_level"`
}

type SPI struct {
	Channel     int  `yaml:"channel"`
	ClockHz     int  `yaml:"clock_hz"`
	Mode        int  `yaml:"mode"`
	CSExclusive bool `yaml:"cs_exclusive"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Step is one entry of a command sequence. Exactly one field must be set:
//
//   - send: "00 01"
//   - delay: 100ms
//   - delay_s: 0.1
type Step struct {
	Send         *string        `yaml:"send,omitempty"`
	Delay        *time.Duration `yaml:"delay,omitempty"`
	DelaySeconds *float64       `yaml:"delay_s,omitempty"`
}

func SendStep(hexBytes string) Step   { return Step{Send: &hexBytes} }
func DelayStep(d time.Duration) Step  { return Step{Delay: &d} }
func DelaySecondsStep(s float64) Step { return Step{DelaySeconds: &s} }

func (s Step) ToStep() (sequence.Step, error) {
	set := 0
	for _, ok := range []bool{s.Send != nil, s.Delay != nil, s.DelaySeconds != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return sequence.Step{}, fmt.Errorf("step must set exactly one of send, delay, delay_s")
	}

	switch {
	case s.Send != nil:
		b, err := hex.DecodeString(strings.Join(strings.Fields(*s.Send), ""))
		if err != nil {
			return sequence.Step{}, fmt.Errorf("send %q: %w", *s.Send, err)
		}
		if len(b) == 0 {
			return sequence.Step{}, fmt.Errorf("send: no bytes")
		}
		return sequence.Send(b), nil
	case s.Delay != nil:
		if *s.Delay < 0 {
			return sequence.Step{}, fmt.Errorf("delay %s: must be >= 0", *s.Delay)
		}
		return sequence.Delay(*s.Delay), nil
	default:
		if *s.DelaySeconds < 0 {
			return sequence.Step{}, fmt.Errorf("delay_s %g: must be >= 0", *s.DelaySeconds)
		}
		return sequence.DelaySeconds(*s.DelaySeconds), nil
	}
}

// DefaultStartSequence and DefaultStopSequence drive the stock acquisition firmware:
// 0x00 stops any running stream, 0x01 starts one.
func DefaultStartSequence() []Step {
	return []Step{SendStep("00"), DelaySecondsStep(0.1), SendStep("01")}
}

func DefaultStopSequence() []Step {
	return []Step{SendStep("00"), DelaySecondsStep(0.1)}
}

func Default() Config {
	cfg := Config{
		Device:           DeviceCP2130,
		PacketSize:       200,
		PollInterval:     acq.DefaultPollInterval,
		ReadTimeout:      acq.DefaultReadTimeout,
		SPI:              SPI{ClockHz: 12000000},
		StartSequence:    DefaultStartSequence(),
		StopSequence:     DefaultStopSequence(),
		PlaybackReadSize: 4096,
		LogLevel:         "info",
	}
	cfg.VizServer.UpdateInterval = time.Second
	return cfg
}

// Load reads the YAML file at path over Default and validates the result.
func Load(path string) (Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(contents)
}

func Parse(contents []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(contents, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	switch cfg.Device {
	case DeviceCP2130:
	case DeviceFile:
		if cfg.PlaybackLocation == "" {
			return fmt.Errorf("config: device %q requires playback_location", DeviceFile)
		}
		if cfg.PlaybackReadSize < 1 {
			return fmt.Errorf("config: playback_read_size must be > 0")
		}
	default:
		return fmt.Errorf("config: unknown device %q", cfg.Device)
	}

	if cfg.PacketSize < 1 || cfg.PacketSize > frame.MaxPacketSize {
		return fmt.Errorf("config: packet_size %d out of range 1..%d", cfg.PacketSize, frame.MaxPacketSize)
	}
	if cfg.PollInterval < 0 || cfg.ReadTimeout < 0 {
		return fmt.Errorf("config: poll_interval and read_timeout must be >= 0")
	}
	if cfg.MaxConsecutiveReadFailures < 0 {
		return fmt.Errorf("config: max_consecutive_read_failures must be >= 0")
	}
	if cfg.Bus < 0 || cfg.Address < 0 {
		return fmt.Errorf("config: bus and address must be >= 0")
	}

	if cfg.SPI.Channel < 0 || cfg.SPI.Channel > 10 {
		return fmt.Errorf("config: spi.channel %d out of range 0..10", cfg.SPI.Channel)
	}
	if cfg.SPI.Mode < 0 || cfg.SPI.Mode > 3 {
		return fmt.Errorf("config: spi.mode %d out of range 0..3", cfg.SPI.Mode)
	}
	if cfg.SPI.ClockHz < 93750 {
		return fmt.Errorf("config: spi.clock_hz %d below 93750", cfg.SPI.ClockHz)
	}

	if _, err := toSequence(cfg.StartSequence); err != nil {
		return fmt.Errorf("config: start_sequence: %w", err)
	}
	if _, err := toSequence(cfg.StopSequence); err != nil {
		return fmt.Errorf("config: stop_sequence: %w", err)
	}

	for i, dest := range cfg.OutputDestinations {
		if dest.Host == "" || dest.Port < 1 || dest.Port > 65535 {
			return fmt.Errorf("config: output_destinations[%d]: need host and port 1..65535", i)
		}
	}
	if cfg.VizServer.Port < 0 || cfg.VizServer.Port > 65535 {
		return fmt.Errorf("config: viz_server.port %d out of range", cfg.VizServer.Port)
	}
	if cfg.LogLevel != "" {
		if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("config: log_level: %w", err)
		}
	}
	return nil
}

func toSequence(steps []Step) (sequence.Sequence, error) {
	seq := make(sequence.Sequence, 0, len(steps))
	for i, s := range steps {
		step, err := s.ToStep()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		seq = append(seq, step)
	}
	return seq, nil
}

// WorkerOptions converts the acquisition part of the config.
func (c Config) WorkerOptions() (acq.Options, error) {
	start, err := toSequence(c.StartSequence)
	if err != nil {
		return acq.Options{}, fmt.Errorf("start_sequence: %w", err)
	}
	stop, err := toSequence(c.StopSequence)
	if err != nil {
		return acq.Options{}, fmt.Errorf("stop_sequence: %w", err)
	}
	return acq.Options{
		PacketSize:                 c.PacketSize,
		StartSequence:              start,
		StopSequence:               stop,
		Bus:                        c.Bus,
		Address:                    c.Address,
		PollInterval:               c.PollInterval,
		ReadTimeout:                c.ReadTimeout,
		MaxConsecutiveReadFailures: c.MaxConsecutiveReadFailures,
	}, nil
}

func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

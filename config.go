package canbus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config carries everything needed to open a bus. None of it is owned by the
// core; the values come from flags, environment or the caller.
type Config struct {
	Interface          string // registry name, e.g. "virtual" or "socketcan"
	Channel            string
	Bitrate            int
	DataBitrate        int
	FD                 bool
	Filters            []Filter
	ReceiveOwnMessages bool
	Format             string // trace format override for tools
	OpenAttempts       uint   // transport construction attempts, 0 means 3
	Debug              bool   // emit debug events
	Logger             *slog.Logger
	OnEvent            func(Event)
	AdditionalConfig   map[string]string
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Validate checks the bit timing fields.
func (c *Config) Validate() error {
	if c.Bitrate < 0 || c.DataBitrate < 0 {
		return Unrecoverable(fmt.Errorf("negative bitrate %d/%d", c.Bitrate, c.DataBitrate))
	}
	if c.DataBitrate > 0 && !c.FD {
		return Unrecoverable(errors.New("data bitrate set without CAN FD"))
	}
	return nil
}

func (c *Config) emit(e Event) {
	if e.Type == EventTypeDebug && !c.Debug {
		return
	}
	if c.OnEvent != nil {
		c.OnEvent(e)
		return
	}
	LogEvents(c.logger())(e)
}

const (
	EnvInterface   = "CAN_INTERFACE"
	EnvChannel     = "CAN_CHANNEL"
	EnvBitrate     = "CAN_BITRATE"
	EnvDataBitrate = "CAN_DATA_BITRATE"
	EnvFD          = "CAN_FD"
	EnvFilters     = "CAN_FILTERS"
)

// LoadEnv fills unset fields of cfg from CAN_* environment variables.
func LoadEnv(cfg *Config) error {
	if v := os.Getenv(EnvInterface); v != "" && cfg.Interface == "" {
		cfg.Interface = v
	}
	if v := os.Getenv(EnvChannel); v != "" && cfg.Channel == "" {
		cfg.Channel = v
	}
	if v := os.Getenv(EnvBitrate); v != "" && cfg.Bitrate == 0 {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBitrate, err)
		}
		cfg.Bitrate = n
	}
	if v := os.Getenv(EnvDataBitrate); v != "" && cfg.DataBitrate == 0 {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDataBitrate, err)
		}
		cfg.DataBitrate = n
	}
	if v := os.Getenv(EnvFD); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFD, err)
		}
		cfg.FD = cfg.FD || b
	}
	if v := os.Getenv(EnvFilters); v != "" && len(cfg.Filters) == 0 {
		filters, err := ParseFilters(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFilters, err)
		}
		cfg.Filters = filters
	}
	return nil
}

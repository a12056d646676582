// Package config loads the canscope YAML configuration: the monitor
// listener, process logging, worker tunables and the sessions to create at
// startup.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"canscope/bus"
	"canscope/filter"
	"canscope/logging"
	"canscope/series"
	"canscope/session"
)

const (
	EnvListen   = "CANSCOPE_LISTEN"
	EnvLogLevel = "CANSCOPE_LOG_LEVEL"

	DefaultListen = "127.0.0.1:8470"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Listen         string          `yaml:"listen"`
	Log            logging.Options `yaml:"log"`
	Tunables       Tunables        `yaml:"tunables"`
	SeriesCapacity int             `yaml:"series_capacity"`
	Sessions       []Session       `yaml:"sessions"`
}

// Tunables mirrors session.Tunables with YAML durations ("100ms", "2s").
type Tunables struct {
	RecvTimeout      time.Duration `yaml:"recv_timeout"`
	RecvErrorBackoff time.Duration `yaml:"recv_error_backoff"`
	TxPollTimeout    time.Duration `yaml:"tx_poll_timeout"`
	TxQueueSize      int           `yaml:"tx_queue_size"`
	JoinTimeout      time.Duration `yaml:"join_timeout"`
	TraceCapacity    int           `yaml:"trace_capacity"`
	LogQueueSize     int           `yaml:"log_queue_size"`
	LogRecentMax     int           `yaml:"log_recent_max"`
	LogPollTimeout   time.Duration `yaml:"log_poll_timeout"`
	LogStopTimeout   time.Duration `yaml:"log_stop_timeout"`
}

// Session is a session created at startup.
type Session struct {
	Name      string     `yaml:"name"`
	Bus       bus.Config `yaml:"bus"`
	Databases []string   `yaml:"databases"`
	Filters   []Filter   `yaml:"filters"`
	LogPath   string     `yaml:"log_path"`
	Connect   bool       `yaml:"connect"`
	Periodic  []Periodic `yaml:"periodic"`

	// Strict rejects a database that shares a frame ID with one already
	// loaded.
	Strict bool `yaml:"strict"`
}

type Filter struct {
	Database       string   `yaml:"database"`
	Enabled        bool     `yaml:"enabled"`
	Mode           string   `yaml:"mode"`
	IDs            []uint32 `yaml:"ids"`
	AffectsLogging bool     `yaml:"affects_logging"`
}

// Periodic is a transmit job. Either FrameID and Data describe a raw frame,
// or Database and Message name a message encoded from Values.
type Periodic struct {
	ID       string             `yaml:"id"`
	PeriodMS int                `yaml:"period_ms"`
	FrameID  uint32             `yaml:"frame_id"`
	Extended bool               `yaml:"extended"`
	Data     string             `yaml:"data"`
	Database string             `yaml:"database"`
	Message  string             `yaml:"message"`
	Values   map[string]float64 `yaml:"values"`
}

// Encoded reports whether the job is built from a database message.
func (p Periodic) Encoded() bool { return p.Message != "" }

// Frame parses the raw frame of a non-encoded job. Data is hex, with
// optional spaces.
func (p Periodic) Frame() (bus.Frame, error) {
	data, err := hex.DecodeString(strings.ReplaceAll(p.Data, " ", ""))
	if err != nil {
		return bus.Frame{}, fmt.Errorf("periodic %s: data: %w", p.ID, err)
	}
	f := bus.Frame{ID: p.FrameID, Extended: p.Extended, FD: len(data) > bus.MaxClassicLen, Data: data}
	if err := f.Validate(); err != nil {
		return bus.Frame{}, fmt.Errorf("periodic %s: %w", p.ID, err)
	}
	return f, nil
}

func Default() Config {
	t := session.DefaultTunables()
	return Config{
		Listen: DefaultListen,
		Log:    logging.Options{Level: "info", Stdout: true},
		Tunables: Tunables{
			RecvTimeout:      t.RecvTimeout,
			RecvErrorBackoff: t.RecvErrorBackoff,
			TxPollTimeout:    t.TxPollTimeout,
			TxQueueSize:      t.TxQueueSize,
			JoinTimeout:      t.JoinTimeout,
			TraceCapacity:    t.TraceCapacity,
			LogQueueSize:     t.LogQueueSize,
			LogRecentMax:     t.LogRecentMax,
			LogPollTimeout:   t.LogPollTimeout,
			LogStopTimeout:   t.LogStopTimeout,
		},
		SeriesCapacity: series.DefaultCapacity,
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. Relative database and log paths are resolved
// against the directory of path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	for i := range c.Sessions {
		s := &c.Sessions[i]
		for j, db := range s.Databases {
			s.Databases[j] = abs(db)
		}
		s.LogPath = abs(s.LogPath)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the whole configuration and reports the first problem.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.SeriesCapacity < 0 || c.Tunables.TraceCapacity < 0 || c.Tunables.TxQueueSize < 0 {
		return fmt.Errorf("%w: capacities must not be negative", ErrInvalid)
	}

	drivers := map[string]bool{}
	for _, d := range bus.Drivers() {
		drivers[d] = true
	}
	names := map[string]bool{}
	for i, s := range c.Sessions {
		where := fmt.Sprintf("sessions[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("%w: %s: name is empty", ErrInvalid, where)
		}
		if names[name] {
			return fmt.Errorf("%w: %s: duplicate name %q", ErrInvalid, where, name)
		}
		names[name] = true
		if !drivers[strings.ToLower(s.Bus.Interface)] {
			return fmt.Errorf("%w: %s: unknown interface %q (available: %v)", ErrInvalid, where, s.Bus.Interface, bus.Drivers())
		}
		if s.Bus.Bitrate < 0 || s.Bus.DataBitrate < 0 {
			return fmt.Errorf("%w: %s: negative bitrate", ErrInvalid, where)
		}
		for _, f := range s.Filters {
			if f.Database == "" {
				return fmt.Errorf("%w: %s: filter without database", ErrInvalid, where)
			}
			if _, err := filter.ParseMode(f.Mode); err != nil {
				return fmt.Errorf("%w: %s: filter %s: %v", ErrInvalid, where, f.Database, err)
			}
		}
		jobs := map[string]bool{}
		for _, p := range s.Periodic {
			if p.ID == "" || jobs[p.ID] {
				return fmt.Errorf("%w: %s: periodic job id %q empty or repeated", ErrInvalid, where, p.ID)
			}
			jobs[p.ID] = true
			if p.PeriodMS <= 0 {
				return fmt.Errorf("%w: %s: periodic %s: period_ms must be positive", ErrInvalid, where, p.ID)
			}
			if p.Encoded() {
				if p.Database == "" {
					return fmt.Errorf("%w: %s: periodic %s: message without database", ErrInvalid, where, p.ID)
				}
				continue
			}
			if _, err := p.Frame(); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, where, err)
			}
		}
	}
	return nil
}

// SessionTunables converts the YAML tunables. Zero fields fall back to the
// session defaults.
func (c Config) SessionTunables() session.Tunables {
	t := c.Tunables
	return session.Tunables{
		RecvTimeout:      t.RecvTimeout,
		RecvErrorBackoff: t.RecvErrorBackoff,
		TxPollTimeout:    t.TxPollTimeout,
		TxQueueSize:      t.TxQueueSize,
		JoinTimeout:      t.JoinTimeout,
		TraceCapacity:    t.TraceCapacity,
		LogQueueSize:     t.LogQueueSize,
		LogRecentMax:     t.LogRecentMax,
		LogPollTimeout:   t.LogPollTimeout,
		LogStopTimeout:   t.LogStopTimeout,
	}
}

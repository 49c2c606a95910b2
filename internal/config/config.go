// Package config loads duoprompt.json, applies defaults and CLI overrides,
// and validates the timing relationships the coordinator depends on.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/paths"
)

// Duration is a time.Duration that reads and writes as "750ms", "15s".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// bare numbers are milliseconds
		var ms int64
		if err2 := json.Unmarshal(b, &ms); err2 != nil {
			return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the duoprompt configuration
type Config struct {
	LogLevel   string           `json:"logLevel"`
	SitesFile  string           `json:"sitesFile"` // optional sites.yaml with extra/overridden sites
	Browser    BrowserConfig    `json:"browser"`
	Windows    WindowsConfig    `json:"windows"`
	Timing     TimingConfig     `json:"timing"`
	Relay      RelayConfig      `json:"relay"`
	Control    ControlConfig    `json:"control"`
	Transcript TranscriptConfig `json:"transcript"`
}

// BrowserConfig holds browser launch configuration
type BrowserConfig struct {
	Dir          string `json:"dir"`          // Browser data directory (empty = ~/.duoprompt/browser)
	AutoDownload bool   `json:"autoDownload"` // Download Chromium if missing
	Headless     bool   `json:"headless"`     // Headless mode (login usually needs headed)
	NoSandbox    bool   `json:"noSandbox"`    // Disable sandbox (needed for Docker/root)
	Profile      string `json:"profile"`      // Profile name, keeps the AI site logins
	Stealth      bool   `json:"stealth"`      // Use stealth pages
	Device       string `json:"device"`       // Device emulation: "clear", "laptop", ...
	ChromeCDP    string `json:"chromeCDP"`    // Attach to a running Chrome instead of launching
}

// WindowsConfig names the two conversation pages.
type WindowsConfig struct {
	PrimaryURL   string `json:"primaryURL"`
	SecondaryURL string `json:"secondaryURL"`
}

// TimingConfig holds the empirical settle delays and bounded waits.
type TimingConfig struct {
	NavigationSettle  Duration `json:"navigationSettle"`  // after page complete, before injection
	ResponseSettle    Duration `json:"responseSettle"`    // after responding -> idle, before extraction
	InputSettle       Duration `json:"inputSettle"`       // after setting input, before looking for send
	InputWait         Duration `json:"inputWait"`         // bound on waiting for the input control
	SendWait          Duration `json:"sendWait"`          // bound on waiting for an enabled send control
	PollInterval      Duration `json:"pollInterval"`      // bounded-wait poll and observer fallback tick
	PingInterval      Duration `json:"pingInterval"`      // agent heartbeat
	SweepInterval     Duration `json:"sweepInterval"`     // heartbeat monitor sweep
	UnresponsiveAfter Duration `json:"unresponsiveAfter"` // ping age that flags a tab
	MessageTimeout    Duration `json:"messageTimeout"`    // request/reply bound on the hub
}

// RelayConfig controls relay behavior.
type RelayConfig struct {
	Narrate             bool     `json:"narrate"`             // narrate responses before relaying
	NarrationTimeout    Duration `json:"narrationTimeout"`    // give up waiting for "finished"
	ExtractMode         string   `json:"extractMode"`         // "text" or "markdown"
	RecoverUnresponsive bool     `json:"recoverUnresponsive"` // reload tabs the heartbeat flags
	PrimarySpeaker      string   `json:"primarySpeaker"`
	SecondarySpeaker    string   `json:"secondarySpeaker"`
}

// ControlConfig configures the local control API.
type ControlConfig struct {
	Listen string `json:"listen"`
}

// TranscriptConfig configures the relay transcript store.
type TranscriptConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"` // empty = ~/.duoprompt/transcript.db
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Browser: BrowserConfig{
			AutoDownload: true,
			Headless:     false,
			Profile:      "default",
			Stealth:      true,
			Device:       "clear",
		},
		Windows: WindowsConfig{
			PrimaryURL:   "https://chatgpt.com/",
			SecondaryURL: "https://claude.ai/new",
		},
		Timing: TimingConfig{
			NavigationSettle:  Duration(750 * time.Millisecond),
			ResponseSettle:    Duration(500 * time.Millisecond),
			InputSettle:       Duration(100 * time.Millisecond),
			InputWait:         Duration(20 * time.Second),
			SendWait:          Duration(15 * time.Second),
			PollInterval:      Duration(250 * time.Millisecond),
			PingInterval:      Duration(5 * time.Second),
			SweepInterval:     Duration(10 * time.Second),
			UnresponsiveAfter: Duration(30 * time.Second),
			MessageTimeout:    Duration(45 * time.Second),
		},
		Relay: RelayConfig{
			NarrationTimeout:    Duration(5 * time.Minute),
			ExtractMode:         "text",
			RecoverUnresponsive: true,
			PrimarySpeaker:      "left",
			SecondarySpeaker:    "right",
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:7331",
		},
		Transcript: TranscriptConfig{
			Enabled: true,
		},
	}
}

// Load reads the active config file (see paths.ConfigPath) on top of the
// defaults. No config file is a valid state. Returns the path used ("" if none).
func Load() (*Config, string, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile reads path on top of the defaults. Empty path yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		logging.L_debug("config: no config file, using defaults")
		return &cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	// decode onto the defaults so absent keys keep their default value
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logging.L_debug("config: loaded", "path", path)
	return &cfg, nil
}

// Apply merges non-zero fields of overrides into c (CLI flags win over
// the file). Zero-valued override fields leave c unchanged.
func (c *Config) Apply(overrides Config) error {
	if err := mergo.Merge(c, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to apply overrides: %w", err)
	}
	return c.Validate()
}

// Validate checks the values the coordinator relies on.
func (c *Config) Validate() error {
	t := c.Timing
	var problems []string

	type field struct {
		name string
		d    Duration
	}
	for _, f := range []field{
		{"pollInterval", t.PollInterval},
		{"pingInterval", t.PingInterval},
		{"sweepInterval", t.SweepInterval},
		{"unresponsiveAfter", t.UnresponsiveAfter},
		{"inputWait", t.InputWait},
		{"sendWait", t.SendWait},
		{"messageTimeout", t.MessageTimeout},
	} {
		if f.d <= 0 {
			problems = append(problems, fmt.Sprintf("timing.%s must be > 0", f.name))
		}
	}
	for _, f := range []field{
		{"navigationSettle", t.NavigationSettle},
		{"responseSettle", t.ResponseSettle},
		{"inputSettle", t.InputSettle},
	} {
		if f.d < 0 {
			problems = append(problems, fmt.Sprintf("timing.%s must not be negative", f.name))
		}
	}

	// at least one full sweep must fit between a missed ping and a timeout
	if t.PingInterval > 0 && t.SweepInterval <= t.PingInterval {
		problems = append(problems, "timing.sweepInterval must be greater than timing.pingInterval")
	}
	if t.SweepInterval > 0 && t.UnresponsiveAfter <= t.SweepInterval {
		problems = append(problems, "timing.unresponsiveAfter must be greater than timing.sweepInterval")
	}

	// a prompt submission runs inside one request/reply exchange
	if t.MessageTimeout > 0 && t.MessageTimeout <= t.InputWait+t.InputSettle+t.SendWait {
		problems = append(problems, "timing.messageTimeout must exceed inputWait + inputSettle + sendWait")
	}

	switch c.Relay.ExtractMode {
	case "", "text", "markdown":
	default:
		problems = append(problems, fmt.Sprintf("relay.extractMode %q must be \"text\" or \"markdown\"", c.Relay.ExtractMode))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

package browser

import (
	"path/filepath"
	"strings"

	"github.com/go-rod/rod/lib/devices"

	"github.com/roelfdiedericks/duoprompt/internal/config"
	"github.com/roelfdiedericks/duoprompt/internal/paths"
)

// chromeProfile attaches to a running Chrome over CDP instead of launching one.
const chromeProfile = "chrome"

// Settings is the browser configuration with its directories resolved.
type Settings struct {
	config.BrowserConfig
	baseDir string
}

// NewSettings resolves cfg. An empty Dir means ~/.duoprompt/browser.
func NewSettings(cfg config.BrowserConfig) (Settings, error) {
	dir := cfg.Dir
	if dir == "" {
		d, err := paths.DataPath("browser")
		if err != nil {
			return Settings{}, err
		}
		dir = d
	} else {
		d, err := paths.ExpandTilde(dir)
		if err != nil {
			return Settings{}, err
		}
		dir = d
	}
	if cfg.Profile == "" {
		cfg.Profile = "default"
	}
	return Settings{BrowserConfig: cfg, baseDir: dir}, nil
}

// BinDir returns the chromium binary directory
func (s Settings) BinDir() string {
	return filepath.Join(s.baseDir, "bin")
}

// ProfilesDir returns the profiles directory
func (s Settings) ProfilesDir() string {
	return filepath.Join(s.baseDir, "profiles")
}

// External reports whether the browser belongs to the user and must not be
// launched or closed by us.
func (s Settings) External() bool {
	return s.ChromeCDP != "" || s.Profile == chromeProfile
}

// CDPEndpoint returns the endpoint used for an external browser.
func (s Settings) CDPEndpoint() string {
	if s.ChromeCDP != "" {
		return s.ChromeCDP
	}
	return "ws://localhost:9222"
}

// ResolveDevice returns the devices.Device for a friendly device name.
// Unknown names fall back to "clear" (no emulation, page fills the window).
func ResolveDevice(name string) devices.Device {
	switch strings.ToLower(name) {
	case "", "clear":
		return devices.Clear
	case "laptop", "laptop-mdpi":
		return devices.LaptopWithMDPIScreen
	case "laptop-hidpi":
		return devices.LaptopWithHiDPIScreen
	case "laptop-touch":
		return devices.LaptopWithTouch
	case "ipad":
		return devices.IPad
	case "ipad-pro":
		return devices.IPadPro
	case "nexus-10":
		return devices.Nexus10
	default:
		return devices.Clear
	}
}

package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-rod/rod/lib/devices"

	"github.com/roelfdiedericks/duoprompt/internal/config"
)

func TestNewSettingsResolvesDirs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSettings(config.BrowserConfig{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if s.BinDir() != filepath.Join(dir, "bin") {
		t.Errorf("BinDir = %s", s.BinDir())
	}
	if s.ProfilesDir() != filepath.Join(dir, "profiles") {
		t.Errorf("ProfilesDir = %s", s.ProfilesDir())
	}
	if s.Profile != "default" {
		t.Errorf("Profile = %q, want default", s.Profile)
	}
}

func TestSettingsExternal(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.BrowserConfig
		external bool
		endpoint string
	}{
		{"launched", config.BrowserConfig{Profile: "default"}, false, "ws://localhost:9222"},
		{"chrome profile", config.BrowserConfig{Profile: "chrome"}, true, "ws://localhost:9222"},
		{"explicit endpoint", config.BrowserConfig{ChromeCDP: "ws://10.0.0.2:9333"}, true, "ws://10.0.0.2:9333"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Dir = t.TempDir()
			s, err := NewSettings(tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			if s.External() != tt.external {
				t.Errorf("External() = %v", s.External())
			}
			if s.CDPEndpoint() != tt.endpoint {
				t.Errorf("CDPEndpoint() = %s", s.CDPEndpoint())
			}
		})
	}
}

func TestResolveDevice(t *testing.T) {
	tests := []struct {
		name string
		want devices.Device
	}{
		{"", devices.Clear},
		{"clear", devices.Clear},
		{"Laptop", devices.LaptopWithMDPIScreen},
		{"ipad-pro", devices.IPadPro},
		{"toaster", devices.Clear},
	}
	for _, tt := range tests {
		if got := ResolveDevice(tt.name); got.Title != tt.want.Title {
			t.Errorf("ResolveDevice(%q) = %s, want %s", tt.name, got.Title, tt.want.Title)
		}
	}
}

func TestProfiles(t *testing.T) {
	p := NewProfiles(t.TempDir())

	list, err := p.List()
	if err != nil || len(list) != 0 {
		t.Fatalf("empty List() = %v, %v", list, err)
	}

	dir, err := p.Ensure("work")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Cookies"), make([]byte, 2048), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Ensure(""); err != nil {
		t.Fatal(err)
	}

	list, err = p.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "default" || list[1].Name != "work" {
		t.Fatalf("List() = %+v", list)
	}
	if list[1].Size != 2048 {
		t.Errorf("work size = %d", list[1].Size)
	}

	if err := p.Clear("work"); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("profile not cleared: %d entries", len(entries))
	}
	if err := p.Clear("missing"); err == nil {
		t.Error("clearing a missing profile should fail")
	}
}

func TestCleanupStaleLocks(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"SingletonLock", "SingletonCookie", "Preferences"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0600); err != nil {
			t.Fatal(err)
		}
	}
	cleanupStaleLocks(dir)

	if _, err := os.Stat(filepath.Join(dir, "SingletonLock")); !os.IsNotExist(err) {
		t.Error("SingletonLock not removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "Preferences")); err != nil {
		t.Error("Preferences should be kept")
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.in); got != tt.want {
			t.Errorf("FormatSize(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFindExistingNeverDownloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bin")
	d := NewDownloader(dir)

	p, err := d.FindExisting()
	if err != nil {
		if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
			t.Errorf("FindExisting created %s", dir)
		}
		return
	}
	// a system chrome is acceptable
	if _, err := os.Stat(p); err != nil {
		t.Errorf("FindExisting returned missing path %s", p)
	}
}

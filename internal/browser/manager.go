package browser

import (
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
)

// Manager launches (or attaches to) the one browser duoprompt drives.
type Manager struct {
	settings   Settings
	downloader *Downloader
	profiles   *Profiles

	mu      sync.Mutex
	browser *rod.Browser
	control string
}

// NewManager creates a manager. Nothing is launched until Browser.
func NewManager(s Settings) *Manager {
	return &Manager{
		settings:   s,
		downloader: NewDownloader(s.BinDir()),
		profiles:   NewProfiles(s.ProfilesDir()),
	}
}

// Downloader returns the chromium downloader
func (m *Manager) Downloader() *Downloader { return m.downloader }

// Profiles returns the profile manager
func (m *Manager) Profiles() *Profiles { return m.profiles }

// Settings returns the resolved settings
func (m *Manager) Settings() Settings { return m.settings }

// EnsureReady makes sure a binary is available, downloading it only when
// autoDownload is on.
func (m *Manager) EnsureReady() error {
	if m.settings.External() {
		return nil
	}
	if !m.settings.AutoDownload {
		if _, err := m.downloader.FindExisting(); err != nil {
			return fmt.Errorf("browser not available and autoDownload is disabled: %w", err)
		}
		return nil
	}
	_, err := m.downloader.EnsureBrowser()
	return err
}

// Browser returns the connected browser, launching it on first use and
// relaunching it when the connection died.
func (m *Manager) Browser() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if connected(m.browser) {
			return m.browser, nil
		}
		L_debug("browser: connection lost, reconnecting")
		m.browser = nil
	}

	var (
		b   *rod.Browser
		err error
	)
	if m.settings.External() {
		b, err = m.attach()
	} else {
		b, err = m.launch()
	}
	if err != nil {
		return nil, err
	}
	b.DefaultDevice(ResolveDevice(m.settings.Device))
	m.browser = b
	return b, nil
}

// connected probes the CDP connection. rod panics on a nil client, so the
// probe recovers.
func connected(b *rod.Browser) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	_, err := proto.BrowserGetVersion{}.Call(b)
	return err == nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	find := m.downloader.EnsureBrowser
	if !m.settings.AutoDownload {
		find = m.downloader.FindExisting
	}
	binPath, err := find()
	if err != nil {
		return nil, fmt.Errorf("failed to ensure browser: %w", err)
	}

	profileDir, err := m.profiles.Ensure(m.settings.Profile)
	if err != nil {
		return nil, err
	}
	cleanupStaleLocks(profileDir)

	L_debug("browser: launching", "profile", m.settings.Profile, "profileDir", profileDir, "headless", m.settings.Headless)

	l := launcher.New().
		Bin(binPath).
		UserDataDir(profileDir).
		Headless(m.settings.Headless).
		Set("disable-dev-shm-usage")
	if !m.settings.Headless {
		l = l.Set("window-size", "1280,1000")
	}
	if m.settings.Stealth {
		l = l.Set("disable-blink-features", "AutomationControlled")
	}
	if m.settings.NoSandbox {
		l = l.Set("no-sandbox")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	m.control = controlURL
	L_info("browser: launched", "profile", m.settings.Profile, "controlURL", controlURL)
	return b, nil
}

func (m *Manager) attach() (*rod.Browser, error) {
	endpoint := m.settings.CDPEndpoint()
	L_info("browser: attaching to chrome", "endpoint", endpoint)

	b := rod.New().ControlURL(endpoint)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Chrome at %s (started with --remote-debugging-port?): %w", endpoint, err)
	}
	m.control = endpoint
	return b, nil
}

// NewPage opens a page in its own window.
func (m *Manager) NewPage(b *rod.Browser) (*rod.Page, error) {
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank", NewWindow: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open window: %w", err)
	}
	if m.settings.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			L_warn("browser: stealth script not installed", "error", err)
		}
	}
	return page, nil
}

// Status describes the browser for the status endpoint.
type Status struct {
	Profile    string `json:"profile"`
	External   bool   `json:"external"`
	Running    bool   `json:"running"`
	PageCount  int    `json:"pageCount"`
	ControlURL string `json:"controlURL,omitempty"`
}

// Status reports whether the browser is up.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Profile: m.settings.Profile, External: m.settings.External(), ControlURL: m.control}
	if m.browser == nil {
		return st
	}
	st.Running = true
	if pages, err := m.browser.Pages(); err == nil {
		st.PageCount = len(pages)
	}
	return st
}

// Close shuts down a launched browser. An attached browser is left
// running; it belongs to the user.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return
	}
	if m.settings.External() {
		L_debug("browser: leaving external browser running")
	} else if err := m.browser.Close(); err != nil {
		L_debug("browser: close failed", "error", err)
	} else {
		L_info("browser: closed")
	}
	m.browser = nil
}

package browser

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-rod/rod/lib/launcher"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
)

// Downloader finds or fetches the Chromium revision rod expects, under the
// browser bin directory.
type Downloader struct {
	binDir string

	mu      sync.Mutex
	binPath string
}

// NewDownloader creates a downloader rooted at binDir
func NewDownloader(binDir string) *Downloader {
	return &Downloader{binDir: binDir}
}

func (d *Downloader) launcherBrowser() *launcher.Browser {
	b := launcher.NewBrowser()
	b.RootDir = d.binDir
	b.Logger = launcherLog{}
	return b
}

// cached returns the remembered path while it still exists. Caller holds mu.
func (d *Downloader) cached() (string, bool) {
	if d.binPath == "" {
		return "", false
	}
	if _, err := os.Stat(d.binPath); err != nil {
		d.binPath = ""
		return "", false
	}
	return d.binPath, true
}

// EnsureBrowser returns the managed Chromium, downloading it when missing.
func (d *Downloader) EnsureBrowser() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.cached(); ok {
		return p, nil
	}
	if err := os.MkdirAll(d.binDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create browser bin directory: %w", err)
	}

	L_debug("browser: ensuring chromium", "binDir", d.binDir)
	p, err := d.launcherBrowser().Get()
	if err != nil {
		return "", fmt.Errorf("failed to download browser: %w", err)
	}
	d.binPath = p
	L_info("browser: chromium ready", "path", p)
	return p, nil
}

// ForceDownload deletes the managed revision and fetches it again.
func (d *Downloader) ForceDownload() (string, error) {
	d.mu.Lock()
	d.binPath = ""
	b := d.launcherBrowser()
	if err := os.RemoveAll(b.Dir()); err != nil {
		d.mu.Unlock()
		return "", fmt.Errorf("failed to remove %s: %w", b.Dir(), err)
	}
	d.mu.Unlock()
	return d.EnsureBrowser()
}

// FindExisting never downloads. It accepts the managed revision if it
// validates, then a Chrome/Chromium installed on the system.
func (d *Downloader) FindExisting() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.cached(); ok {
		return p, nil
	}

	b := d.launcherBrowser()
	if err := b.Validate(); err == nil {
		d.binPath = b.BinPath()
		return d.binPath, nil
	}
	if p, ok := launcher.LookPath(); ok {
		L_debug("browser: using system browser", "path", p)
		d.binPath = p
		return p, nil
	}
	return "", fmt.Errorf("browser not downloaded: nothing in %s and no system chrome", d.binDir)
}

// launcherLog routes rod's download progress to the debug log.
type launcherLog struct{}

func (launcherLog) Println(args ...any) {
	L_debug("browser: launcher", "msg", fmt.Sprint(args...))
}

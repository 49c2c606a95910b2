package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
)

// ProfileInfo describes one browser profile directory. Profiles keep the
// AI site logins between runs.
type ProfileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	LastUsed time.Time `json:"lastUsed"`
}

// Profiles manages profile directories under one root.
type Profiles struct {
	dir string
}

// NewProfiles creates a profile manager rooted at dir
func NewProfiles(dir string) *Profiles {
	return &Profiles{dir: dir}
}

// Dir returns the path of a profile (not created).
func (p *Profiles) Dir(name string) string {
	if name == "" {
		name = "default"
	}
	return filepath.Join(p.dir, name)
}

// Ensure creates the profile directory if needed and returns its path.
func (p *Profiles) Ensure(name string) (string, error) {
	dir := p.Dir(name)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	L_debug("browser: ensured profile", "name", name, "path", dir)
	return dir, nil
}

// List returns all profiles, sorted by name.
func (p *Profiles) List() ([]ProfileInfo, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ProfileInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	var out []ProfileInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		out = append(out, profileInfo(entry.Name(), filepath.Join(p.dir, entry.Name())))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func profileInfo(name, path string) ProfileInfo {
	info := ProfileInfo{Name: name, Path: path}
	_ = filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() {
			info.Size += fi.Size()
		}
		if fi.ModTime().After(info.LastUsed) {
			info.LastUsed = fi.ModTime()
		}
		return nil
	})
	return info
}

// Clear removes everything inside a profile (logins included) but keeps
// the directory.
func (p *Profiles) Clear(name string) error {
	dir := p.Dir(name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("profile does not exist: %s", name)
		}
		return fmt.Errorf("failed to read profile directory: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			L_warn("browser: failed to remove profile entry", "path", path, "error", err)
		}
	}
	L_info("browser: cleared profile", "name", name)
	return nil
}

// cleanupStaleLocks removes lock files left by a crashed Chrome; Chrome
// refuses to start on a profile that still has them.
func cleanupStaleLocks(profileDir string) {
	for _, name := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		path := filepath.Join(profileDir, name)
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			L_warn("browser: failed to remove stale lock file", "file", path, "error", err)
		} else {
			L_info("browser: removed stale lock file", "file", path)
		}
	}
}

// FormatSize returns a human-readable size
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

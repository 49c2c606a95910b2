package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
		{"~", home},
		{"~/x/y", filepath.Join(home, "x/y")},
	}
	for _, tt := range tests {
		got, err := ExpandTilde(tt.in)
		if err != nil {
			t.Fatalf("ExpandTilde(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ExpandTilde(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveDataPath(t *testing.T) {
	got, err := ResolveDataPath("/tmp/custom.db", "transcript.db")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/custom.db" {
		t.Errorf("configured path not honored: %q", got)
	}

	got, err = ResolveDataPath("", "transcript.db")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "transcript.db" || filepath.Base(filepath.Dir(got)) != ".duoprompt" {
		t.Errorf("fallback path = %q", got)
	}
}

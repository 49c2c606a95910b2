package logging

import (
	"sync"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"trace", LevelTrace},
		{"DEBUG", LevelDebug},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"fatal", LevelFatal},
		{"info", LevelInfo},
		{"chatty", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.name); got != tt.want {
			t.Errorf("ParseLevel(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestHasFmtVerb(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"value is %d", true},
		{"%v", true},
		{"100%% done", false},
		{"plain message", false},
		{"trailing %", false},
	}
	for _, tt := range tests {
		if got := hasFmtVerb(tt.msg); got != tt.want {
			t.Errorf("hasFmtVerb(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

// Logging from several goroutines while Init runs must not touch the
// logger before it is fully built. Run with -race.
func TestConcurrentInitAndLogging(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 0 {
				Init(&Config{Level: LevelError})
				return
			}
			L_debug("worker", "n", i)
			SetLevel(LevelError)
		}(i)
	}
	wg.Wait()

	ensureInit()
	if logger == nil {
		t.Fatal("logger not initialized")
	}
}

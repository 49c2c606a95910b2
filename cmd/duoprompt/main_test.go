package main

import (
	"testing"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/duoprompt/internal/config"
)

func TestRunOverrides(t *testing.T) {
	r := &RunCmd{
		PrimaryURL:   "https://chatgpt.com/c/1",
		SecondaryURL: "https://claude.ai/chat/2",
		Profile:      "work",
		Headless:     true,
		Listen:       "127.0.0.1:9000",
		Narrate:      true,
	}
	got := r.overrides(&Globals{LogLevel: "debug"})

	want := config.Config{
		LogLevel: "debug",
		Browser:  config.BrowserConfig{Profile: "work", Headless: true},
		Windows: config.WindowsConfig{
			PrimaryURL:   "https://chatgpt.com/c/1",
			SecondaryURL: "https://claude.ai/chat/2",
		},
		Relay:   config.RelayConfig{Narrate: true},
		Control: config.ControlConfig{Listen: "127.0.0.1:9000"},
	}
	if got.LogLevel != want.LogLevel || got.Browser != want.Browser || got.Windows != want.Windows ||
		got.Relay != want.Relay || got.Control != want.Control {
		t.Errorf("overrides = %+v, want %+v", got, want)
	}
}

func TestCommandParsing(t *testing.T) {
	tests := []struct {
		args    []string
		command string
		check   func(*CLI) bool
	}{
		{[]string{"start", "hi"}, "start <prompt>", func(c *CLI) bool { return c.Start.Prompt == "hi" }},
		{[]string{"start", "hi", "-s", "be brief"}, "start <prompt>", func(c *CLI) bool { return c.Start.SecondaryPrompt == "be brief" }},
		{[]string{"stop", "--exit"}, "stop", func(c *CLI) bool { return c.Stop.Exit }},
		{[]string{"--log-level", "trace", "status"}, "status", func(c *CLI) bool { return c.LogLevel == "trace" }},
		{[]string{"run", "--headless", "--no-watch"}, "run", func(c *CLI) bool { return c.Run.Headless && c.Run.NoWatch }},
	}
	for _, tt := range tests {
		var cli CLI
		parser, err := kong.New(&cli, kong.Name("duoprompt"))
		if err != nil {
			t.Fatal(err)
		}
		ctx, err := parser.Parse(tt.args)
		if err != nil {
			t.Errorf("parse %v: %v", tt.args, err)
			continue
		}
		if ctx.Command() != tt.command {
			t.Errorf("parse %v: command = %q, want %q", tt.args, ctx.Command(), tt.command)
		}
		if !tt.check(&cli) {
			t.Errorf("parse %v: flags not applied: %+v", tt.args, cli)
		}
	}
}

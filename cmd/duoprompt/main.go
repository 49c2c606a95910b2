package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/duoprompt/internal/app"
	"github.com/roelfdiedericks/duoprompt/internal/browser"
	"github.com/roelfdiedericks/duoprompt/internal/config"
	"github.com/roelfdiedericks/duoprompt/internal/control"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/paths"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
	"github.com/roelfdiedericks/duoprompt/internal/sites"
	"github.com/roelfdiedericks/duoprompt/internal/transcript"
)

const version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	ConfigFile string `name:"config" help:"Config file (default: ./duoprompt.json, then ~/.duoprompt/duoprompt.json)" type:"path"`
	LogLevel   string `help:"Log level: trace, debug, info, warn, error (default: logLevel from config)"`
	Addr       string `help:"Control API address of a running instance (default: control.listen from config)"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Run        RunCmd        `cmd:"" default:"1" help:"Open both chat windows and relay between them (foreground)"`
	Start      StartCmd      `cmd:"" help:"Start a relay on a running instance"`
	Stop       StopCmd       `cmd:"" help:"Deactivate the relay (or exit the instance)"`
	Status     StatusCmd     `cmd:"" help:"Show relay, tab and browser status"`
	Sites      SitesCmd      `cmd:"" help:"List known chat sites"`
	Transcript TranscriptCmd `cmd:"" help:"Show recorded relay turns"`
	Config     ConfigCmd     `cmd:"" help:"Manage the config file"`
	Browser    BrowserCmd    `cmd:"" help:"Manage the managed browser"`
	Version    VersionCmd    `cmd:"" help:"Print version"`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("duoprompt"),
		kong.Description("Relay a conversation between two AI chat sites."),
		kong.UsageOnError(),
	)

	Init(&Config{
		Level:      ParseLevel(cli.LogLevel),
		TimeFormat: "15:04:05.000",
	})

	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}

// loadConfig reads the config the same way the app does.
func (g *Globals) loadConfig() (*config.Config, string, error) {
	if g.ConfigFile != "" {
		cfg, err := config.LoadFile(g.ConfigFile)
		return cfg, g.ConfigFile, err
	}
	return config.Load()
}

// client returns a control API client for the running instance.
func (g *Globals) client() (*control.Client, error) {
	addr := g.Addr
	if addr == "" {
		cfg, _, err := g.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Control.Listen
	}
	return control.NewClient(addr), nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RunCmd runs duoprompt in the foreground.
type RunCmd struct {
	PrimaryURL   string `help:"Primary conversation URL" name:"primary-url"`
	SecondaryURL string `help:"Secondary conversation URL" name:"secondary-url"`
	Profile      string `help:"Browser profile name"`
	Headless     bool   `help:"Run the browser headless"`
	ChromeCDP    string `help:"Attach to a running Chrome at this CDP endpoint" name:"chrome-cdp"`
	Listen       string `help:"Control API listen address"`
	Narrate      bool   `help:"Narrate responses through the overlay before relaying"`
	NoWatch      bool   `help:"Do not reload the config file on change"`
}

func (r *RunCmd) overrides(g *Globals) config.Config {
	return config.Config{
		LogLevel: g.LogLevel,
		Browser: config.BrowserConfig{
			Profile:   r.Profile,
			Headless:  r.Headless,
			ChromeCDP: r.ChromeCDP,
		},
		Windows: config.WindowsConfig{
			PrimaryURL:   r.PrimaryURL,
			SecondaryURL: r.SecondaryURL,
		},
		Relay:   config.RelayConfig{Narrate: r.Narrate},
		Control: config.ControlConfig{Listen: r.Listen},
	}
}

func (r *RunCmd) Run(g *Globals) error {
	a, err := app.New(app.Options{
		ConfigPath: g.ConfigFile,
		Overrides:  r.overrides(g),
		Watch:      !r.NoWatch,
	})
	if err != nil {
		return err
	}
	if g.LogLevel == "" {
		SetLevel(ParseLevel(a.Config().LogLevel))
	}

	L_info("duoprompt starting", "version", version, "config", a.ConfigPath())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		return err
	}
	L_info("duoprompt stopped")
	return nil
}

// StartCmd starts a relay on a running instance.
type StartCmd struct {
	Prompt          string `arg:"" help:"Prompt for the primary AI"`
	SecondaryPrompt string `help:"Instructions prepended to the first response relayed to the secondary AI" short:"s"`
}

func (s *StartCmd) Run(g *Globals) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	resp, err := c.Start(ctx, s.Prompt, s.SecondaryPrompt)
	if err != nil && resp.Status == "" {
		return err
	}
	switch resp.Status {
	case protocol.StatusOK:
		fmt.Println("relay started")
	case protocol.StatusQueued:
		fmt.Println("relay active; prompt queued until the primary tab is ready")
	default:
		if resp.Error != "" {
			return fmt.Errorf("relay not started: %s", resp.Error)
		}
		return fmt.Errorf("relay not started: %s", resp.Status)
	}
	return nil
}

// StopCmd deactivates the relay.
type StopCmd struct {
	Exit bool `help:"Shut the running instance down instead"`
}

func (s *StopCmd) Run(g *Globals) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	if s.Exit {
		if err := c.Shutdown(ctx); err != nil {
			return err
		}
		fmt.Println("duoprompt stopping")
		return nil
	}
	if err := c.SetActive(ctx, false); err != nil {
		return err
	}
	fmt.Println("relay stopped")
	return nil
}

// StatusCmd prints the running instance's status.
type StatusCmd struct {
	JSON bool `help:"Print raw JSON" name:"json"`
}

func (s *StatusCmd) Run(g *Globals) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if s.JSON {
		return printJSON(st)
	}

	r := st.Relay
	fmt.Printf("Relay:      active=%v session=%s\n", r.Active, orDash(r.SessionID))
	fmt.Printf("Primary:    %s\n", orDash(string(r.PrimaryTab)))
	fmt.Printf("Secondary:  %s\n", orDash(string(r.SecondaryTab)))
	if r.PendingPrompt {
		fmt.Println("Pending:    initial prompt waiting for the primary tab")
	}
	for _, t := range r.Tabs {
		fmt.Printf("  tab %s  ready=%v queued=%d\n", t.ID, t.Ready, t.Queued)
	}
	fmt.Printf("Overlay:    connected=%v\n", st.OverlayClients)
	if b := st.Browser; b != nil {
		fmt.Printf("Browser:    profile=%s running=%v pages=%d external=%v\n", b.Profile, b.Running, b.PageCount, b.External)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// SitesCmd lists the builtin sites plus the configured sites file.
type SitesCmd struct{}

func (s *SitesCmd) Run(g *Globals) error {
	cfg, _, err := g.loadConfig()
	if err != nil {
		return err
	}
	reg := sites.Default()
	if cfg.SitesFile != "" {
		path, err := paths.ExpandTilde(cfg.SitesFile)
		if err != nil {
			return err
		}
		if _, err := reg.LoadFile(path); err != nil {
			return err
		}
	}
	for _, site := range reg.List() {
		fmt.Printf("%-12s %-16s %s\n", site.ID, site.Name, strings.Join(site.Origins, ", "))
	}
	return nil
}

// TranscriptCmd reads the transcript database directly, so it works
// whether or not an instance is running.
type TranscriptCmd struct {
	Session  string `help:"Show one session's turns"`
	Search   string `help:"Search turn text"`
	Limit    int    `help:"Maximum turns" default:"20"`
	Sessions bool   `help:"List sessions instead of turns"`
	JSON     bool   `help:"Print raw JSON" name:"json"`
}

func (t *TranscriptCmd) Run(g *Globals) error {
	cfg, _, err := g.loadConfig()
	if err != nil {
		return err
	}
	path, err := paths.ResolveDataPath(cfg.Transcript.Path, "transcript.db")
	if err != nil {
		return err
	}
	store, err := transcript.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if t.Sessions {
		list, err := store.Sessions(t.Limit)
		if err != nil {
			return err
		}
		if t.JSON {
			return printJSON(list)
		}
		for _, s := range list {
			fmt.Printf("%s  %s  turns=%d\n", s.ID, s.StartedAt.Local().Format(time.DateTime), s.Turns)
		}
		return nil
	}

	var turns []transcript.Turn
	switch {
	case t.Session != "":
		turns, err = store.SessionTurns(t.Session)
	case t.Search != "":
		turns, err = store.Search(t.Search, t.Limit)
	default:
		turns, err = store.Recent(t.Limit)
	}
	if err != nil {
		return err
	}
	if t.JSON {
		return printJSON(turns)
	}
	for _, turn := range turns {
		fmt.Printf("[%s] %s %s (%s)\n%s\n\n", turn.At.Local().Format(time.DateTime), turn.SessionID, turn.Direction, turn.Status, turn.Text)
	}
	return nil
}

// ConfigCmd groups config subcommands.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a config file with the defaults"`
	Show ConfigShowCmd `cmd:"" help:"Print the effective config"`
	Path ConfigPathCmd `cmd:"" help:"Print the config file in use"`
}

// ConfigInitCmd writes the default config.
type ConfigInitCmd struct {
	Force bool `help:"Overwrite an existing file (a backup is kept)"`
}

func (c *ConfigInitCmd) Run(g *Globals) error {
	path := g.ConfigFile
	if path == "" {
		p, err := paths.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s exists (use --force to overwrite)", path)
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	cfg := config.Default()
	if err := config.Save(&cfg, path); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

// ConfigShowCmd prints the effective config.
type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(g *Globals) error {
	cfg, _, err := g.loadConfig()
	if err != nil {
		return err
	}
	return printJSON(cfg)
}

// ConfigPathCmd prints the config path.
type ConfigPathCmd struct{}

func (c *ConfigPathCmd) Run(g *Globals) error {
	_, path, err := g.loadConfig()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println("(none, using defaults)")
		return nil
	}
	fmt.Println(path)
	return nil
}

// BrowserCmd groups browser subcommands.
type BrowserCmd struct {
	Download BrowserDownloadCmd `cmd:"" help:"Download Chromium"`
	Profiles BrowserProfilesCmd `cmd:"" help:"List browser profiles"`
	Clear    BrowserClearCmd    `cmd:"" help:"Delete a browser profile (logs out of the chat sites)"`
}

func (g *Globals) browserManager() (*browser.Manager, error) {
	cfg, _, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	settings, err := browser.NewSettings(cfg.Browser)
	if err != nil {
		return nil, err
	}
	return browser.NewManager(settings), nil
}

// BrowserDownloadCmd downloads Chromium.
type BrowserDownloadCmd struct {
	Force bool `help:"Download even if a browser is already present"`
}

func (b *BrowserDownloadCmd) Run(g *Globals) error {
	mgr, err := g.browserManager()
	if err != nil {
		return err
	}
	var path string
	if b.Force {
		path, err = mgr.Downloader().ForceDownload()
	} else {
		path, err = mgr.Downloader().EnsureBrowser()
	}
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

// BrowserProfilesCmd lists profiles.
type BrowserProfilesCmd struct{}

func (b *BrowserProfilesCmd) Run(g *Globals) error {
	mgr, err := g.browserManager()
	if err != nil {
		return err
	}
	list, err := mgr.Profiles().List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no profiles in", mgr.Settings().ProfilesDir())
		return nil
	}
	for _, p := range list {
		fmt.Printf("%-16s %10s  %s\n", p.Name, browser.FormatSize(p.Size), p.LastUsed.Local().Format(time.DateTime))
	}
	return nil
}

// BrowserClearCmd deletes a profile.
type BrowserClearCmd struct {
	Name string `arg:"" help:"Profile name"`
}

func (b *BrowserClearCmd) Run(g *Globals) error {
	mgr, err := g.browserManager()
	if err != nil {
		return err
	}
	if err := mgr.Profiles().Clear(b.Name); err != nil {
		return err
	}
	fmt.Println("cleared", b.Name)
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (v *VersionCmd) Run(g *Globals) error {
	fmt.Printf("duoprompt %s\n", version)
	return nil
}

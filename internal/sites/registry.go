// Package sites is the static table of supported AI chat sites.
//
// Each entry maps one or more origins to a site ID and the selector table
// the generic page agent uses to read that site's compose/send/stop
// controls. Adding a site is a data change only: append to the builtin
// table or drop an entry into a sites.yaml file.
package sites

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// InputKind says how the prompt input control takes text.
type InputKind string

const (
	InputTextarea        InputKind = "textarea"
	InputContentEditable InputKind = "contenteditable"
)

// SubmitMode says how a prompt is submitted once the send control is enabled.
type SubmitMode string

const (
	SubmitClick SubmitMode = "click"
	SubmitEnter SubmitMode = "enter"
)

// Selectors are the CSS selectors for one site's UI controls.
type Selectors struct {
	Stop        string `yaml:"stop" json:"stop"`               // visible while a response streams
	SendEnabled string `yaml:"sendEnabled" json:"sendEnabled"` // send control, enabled
	SendIdle    string `yaml:"sendIdle" json:"sendIdle"`       // send control, idle/disabled
	Input       string `yaml:"input" json:"input"`             // prompt input
	Response    string `yaml:"response" json:"response"`       // response containers, last one is newest
}

// Site is one registry entry.
type Site struct {
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name" json:"name"`
	Origins   []string   `yaml:"origins" json:"origins"`
	Selectors Selectors  `yaml:"selectors" json:"selectors"`
	InputKind InputKind  `yaml:"inputKind" json:"inputKind"`
	Submit    SubmitMode `yaml:"submit" json:"submit"`
}

// Validate checks that a site has everything the agent needs.
func (s Site) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("site: id is required")
	}
	if len(s.Origins) == 0 {
		return fmt.Errorf("site %s: at least one origin is required", s.ID)
	}
	for _, o := range s.Origins {
		if _, err := Origin(o); err != nil {
			return fmt.Errorf("site %s: %w", s.ID, err)
		}
	}
	sel := s.Selectors
	missing := []string{}
	if sel.Stop == "" {
		missing = append(missing, "stop")
	}
	if sel.SendEnabled == "" {
		missing = append(missing, "sendEnabled")
	}
	if sel.SendIdle == "" {
		missing = append(missing, "sendIdle")
	}
	if sel.Input == "" {
		missing = append(missing, "input")
	}
	if sel.Response == "" {
		missing = append(missing, "response")
	}
	if len(missing) > 0 {
		return fmt.Errorf("site %s: missing selectors: %s", s.ID, strings.Join(missing, ", "))
	}
	switch s.InputKind {
	case "", InputTextarea, InputContentEditable:
	default:
		return fmt.Errorf("site %s: unknown inputKind %q", s.ID, s.InputKind)
	}
	switch s.Submit {
	case "", SubmitClick, SubmitEnter:
	default:
		return fmt.Errorf("site %s: unknown submit mode %q", s.ID, s.Submit)
	}
	return nil
}

// withDefaults fills optional fields.
func (s Site) withDefaults() Site {
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.InputKind == "" {
		s.InputKind = InputTextarea
	}
	if s.Submit == "" {
		s.Submit = SubmitClick
	}
	return s
}

// Origin normalizes a URL to scheme://host[:port], lowercased.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q has no origin", rawURL)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// Registry maps origins to sites.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]Site
	byOrigin map[string]string // origin -> site ID
}

// NewRegistry creates a registry from the given sites. Invalid sites are
// rejected with an error naming the first problem.
func NewRegistry(sites ...Site) (*Registry, error) {
	r := &Registry{
		byID:     make(map[string]Site),
		byOrigin: make(map[string]string),
	}
	for _, s := range sites {
		if err := r.Put(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns a registry holding the builtin sites.
func Default() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		// builtin table is static; failing here is a programming error
		panic(err)
	}
	return r
}

// Put adds or replaces a site by ID.
func (r *Registry) Put(s Site) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s = s.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[s.ID]; ok {
		for _, o := range old.Origins {
			origin, _ := Origin(o)
			delete(r.byOrigin, origin)
		}
	}
	r.byID[s.ID] = s
	for _, o := range s.Origins {
		origin, _ := Origin(o)
		r.byOrigin[origin] = s.ID
	}
	return nil
}

// Lookup returns the site registered for rawURL's origin.
func (r *Registry) Lookup(rawURL string) (Site, bool) {
	origin, err := Origin(rawURL)
	if err != nil {
		return Site{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byOrigin[origin]
	if !ok {
		return Site{}, false
	}
	return r.byID[id], true
}

// Get returns a site by ID.
func (r *Registry) Get(id string) (Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// List returns all sites sorted by ID.
func (r *Registry) List() []Site {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Site, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

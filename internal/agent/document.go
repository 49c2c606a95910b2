package agent

import (
	"context"

	"github.com/roelfdiedericks/duoprompt/internal/sites"
)

// Document is the agent's view of one page's DOM.
type Document interface {
	// Visible reports whether an element matching selector is rendered.
	Visible(ctx context.Context, selector string) (bool, error)
	// Exists reports whether any element matches selector.
	Exists(ctx context.Context, selector string) (bool, error)
	// LastText returns the text content of the last element matching
	// selector. found is false when nothing matches.
	LastText(ctx context.Context, selector string) (text string, found bool, err error)
	// LastHTML is LastText for the element's inner HTML.
	LastHTML(ctx context.Context, selector string) (html string, found bool, err error)
	// SetInput clears the input control, sets text and dispatches an input
	// event so the page's framework sees the change.
	SetInput(ctx context.Context, selector, text string, kind sites.InputKind) error
	// Click activates the element matching selector.
	Click(ctx context.Context, selector string) error
	// PressEnter focuses the element matching selector and presses Enter.
	PressEnter(ctx context.Context, selector string) error
	// Mutations signals DOM changes. nil when the document cannot observe
	// them; the agent then relies on its poll tick.
	Mutations() <-chan struct{}
}

package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/sites"
)

const (
	jsVisible = `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		const s = getComputedStyle(el);
		if (s.display === 'none' || s.visibility === 'hidden') return false;
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	}`

	jsExists = `(sel) => document.querySelector(sel) !== null`

	jsLast = `(sel, prop) => {
		const all = document.querySelectorAll(sel);
		if (all.length === 0) return null;
		return all[all.length - 1][prop] || '';
	}`

	// Textareas are set through the native value setter so React-style
	// frameworks notice; contenteditable goes through insertText.
	jsSetInput = `(sel, text, kind) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('input not found: ' + sel);
		el.focus();
		if (kind === 'contenteditable') {
			document.execCommand('selectAll', false);
			document.execCommand('delete', false);
			document.execCommand('insertText', false, text);
		} else {
			const setter = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), 'value').set;
			setter.call(el, text);
		}
		el.dispatchEvent(new Event('input', { bubbles: true }));
	}`
)

// pageDocument is the agent's Document over a live rod page.
type pageDocument struct {
	page  *rod.Page
	probe *mutationProbe
}

func newPageDocument(page *rod.Page, probe *mutationProbe) *pageDocument {
	return &pageDocument{page: page, probe: probe}
}

func (d *pageDocument) eval(ctx context.Context, js string, args ...any) (gson.JSON, error) {
	res, err := d.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return gson.JSON{}, err
	}
	return res.Value, nil
}

func (d *pageDocument) Visible(ctx context.Context, selector string) (bool, error) {
	v, err := d.eval(ctx, jsVisible, selector)
	return v.Bool(), err
}

func (d *pageDocument) Exists(ctx context.Context, selector string) (bool, error) {
	v, err := d.eval(ctx, jsExists, selector)
	return v.Bool(), err
}

func (d *pageDocument) last(ctx context.Context, selector, prop string) (string, bool, error) {
	v, err := d.eval(ctx, jsLast, selector, prop)
	if err != nil {
		return "", false, err
	}
	if v.Nil() {
		return "", false, nil
	}
	return v.Str(), true, nil
}

func (d *pageDocument) LastText(ctx context.Context, selector string) (string, bool, error) {
	return d.last(ctx, selector, "innerText")
}

func (d *pageDocument) LastHTML(ctx context.Context, selector string) (string, bool, error) {
	return d.last(ctx, selector, "innerHTML")
}

func (d *pageDocument) SetInput(ctx context.Context, selector, text string, kind sites.InputKind) error {
	_, err := d.eval(ctx, jsSetInput, selector, text, string(kind))
	return err
}

// element finds selector without rod's default retry sleeper; callers
// already wait for the control to appear.
func (d *pageDocument) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := d.page.Context(ctx).Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %s: %w", selector, err)
	}
	return el, nil
}

func (d *pageDocument) Click(ctx context.Context, selector string) error {
	el, err := d.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (d *pageDocument) PressEnter(ctx context.Context, selector string) error {
	el, err := d.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		L_debug("browser: focus before enter failed", "selector", selector, "error", err)
	}
	return el.Type(input.Enter)
}

func (d *pageDocument) Mutations() <-chan struct{} {
	if d.probe == nil {
		return nil
	}
	return d.probe.changes
}

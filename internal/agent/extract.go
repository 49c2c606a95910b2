package agent

import (
	"context"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
)

// ExtractResponse returns the newest response's content, trimmed. No
// matching element is not an error: the result is "".
func (a *Agent) ExtractResponse(ctx context.Context) string {
	sel := a.site.Selectors.Response

	if a.extractMode() == "markdown" {
		html, found, err := a.doc.LastHTML(ctx, sel)
		switch {
		case err != nil:
			L_warn("agent: response html read failed, falling back to text", "tab", a.tab, "error", err)
		case !found:
			return ""
		default:
			md, err := htmltomarkdown.ConvertString(html)
			if err == nil {
				return strings.TrimSpace(md)
			}
			L_warn("agent: markdown conversion failed, falling back to text", "tab", a.tab, "error", err)
		}
	}

	text, found, err := a.doc.LastText(ctx, sel)
	if err != nil {
		L_warn("agent: response read failed", "tab", a.tab, "error", err)
		return ""
	}
	if !found {
		L_debug("agent: no response element", "tab", a.tab, "selector", sel)
		return ""
	}
	return strings.TrimSpace(text)
}

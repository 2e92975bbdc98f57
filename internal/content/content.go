package content

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy   = bluemonday.UGCPolicy()
	markdown = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to formatted message bodies received from other servers.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// RenderMarkdown converts markdown source into sanitized HTML for outgoing
// formatted bodies. It returns "" when the result carries no markup beyond
// the plain text, so plain messages stay plain on the wire.
func RenderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return ""
	}
	html := strings.TrimSpace(policy.Sanitize(buf.String()))

	// goldmark wraps everything in a paragraph; a bare paragraph means the
	// source had no formatting worth sending.
	inner := strings.TrimSuffix(strings.TrimPrefix(html, "<p>"), "</p>")
	if inner == Escape(src) || inner == src {
		return ""
	}
	return html
}

package api

import (
	"bytes"
	"fmt"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// markdownToHTML renders markdown to an HTML fragment.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// markdownToHTMLPage wraps rendered markdown in a minimal standalone
// HTML document with no external resources.
func markdownToHTMLPage(title, md string) (string, error) {
	body, err := markdownToHTML(md)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48em; margin: 2em auto;">
%s
</body></html>`, html.EscapeString(title), body), nil
}

// Package textnorm normalizes text returned by the reasoning and
// research backends before it reaches a user-facing turn.
package textnorm

import "regexp"

// labelBreak matches one or more line breaks sitting directly in front
// of a ": " separator.
var labelBreak = regexp.MustCompile(`(?:\r?\n)+: `)

// Labels rejoins "Label\n: value" into "Label: value". Some backends
// emit a line break between a label and its colon; runs of blank lines
// collapse the same way. Text already in "Label: value" form is
// returned unchanged.
func Labels(s string) string {
	return labelBreak.ReplaceAllString(s, ": ")
}

package browser

import "strings"

const textMarker = ">>text="

// Selector is a parsed element selector.
type Selector struct {
	CSS  string
	Text string // lowercased; empty means no text filter
}

// ParseSelector splits "css>>text=label" into its parts. A bare
// "text=label" matches any clickable element carrying the label.
func ParseSelector(s string) Selector {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "text="); ok {
		return Selector{CSS: "button, a, [role=button], [role=tab], [role=menuitem]", Text: strings.ToLower(strings.TrimSpace(rest))}
	}
	css, text, found := strings.Cut(s, textMarker)
	if !found {
		return Selector{CSS: s}
	}
	css = strings.TrimSpace(css)
	if css == "" {
		css = "*"
	}
	return Selector{CSS: css, Text: strings.ToLower(strings.TrimSpace(text))}
}

// MatchesText reports whether element text satisfies the text filter.
func (s Selector) MatchesText(text string) bool {
	if s.Text == "" {
		return true
	}
	return strings.Contains(strings.ToLower(strings.Join(strings.Fields(text), " ")), s.Text)
}

// String reassembles the selector.
func (s Selector) String() string {
	if s.Text == "" {
		return s.CSS
	}
	return s.CSS + textMarker + s.Text
}

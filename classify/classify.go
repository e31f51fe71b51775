// Package classify decides whether raw engine output is a final answer or a
// question that needs a human choice before the task can continue.
//
// The heuristic is deliberately conservative: a missed pause degrades to the
// question being shown as plain text, which the user can answer by typing,
// while a false pause would strand the conversation behind buttons.
package classify

import (
	"regexp"
	"strings"
)

const (
	// MaxOptions caps how many numbered options become buttons; a cancel
	// choice is always appended by the renderer on top of these.
	MaxOptions = 6

	maxLabelRunes = 64
)

// Option is one tappable choice extracted from engine output. Value is the
// token returned on tap, Label the text shown on the button.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Classification is the sum-type result of classifying engine output. When
// NeedsInput is false the output is final and Question/Options are empty.
type Classification struct {
	Text       string
	NeedsInput bool
	Question   string
	Options    []Option
}

// ChoiceMarkers are phrases whose presence (combined with a trailing
// question mark) marks output as a choice prompt. Tunable, not exhaustive;
// only the threshold logic is a contract.
var ChoiceMarkers = []string{
	"which would you prefer",
	"which one",
	"which option",
	"should i",
	"do you want me to",
	"would you prefer",
	"your preference",
	"let me know which",
	"please choose",
	"please pick",
}

// YesNoMarkers trigger a synthesized Yes/No pair when the closing question
// offers no numbered options.
var YesNoMarkers = []string{
	"should i",
	"would you like me to",
	"shall i",
	"can i proceed",
	"go ahead",
	"want me to",
}

var numberedLineRe = regexp.MustCompile(`^(\d+)[.)]\s+(.+)$`)

// Classify inspects raw engine output and reports whether it requires a
// human choice.
func Classify(raw string) Classification {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Classification{Text: ""}
	}

	options := extractNumberedOptions(text)
	lastLine := questionLine(text)

	needsInput := false
	if strings.HasSuffix(lastLine, "?") {
		if len(options) >= 2 {
			needsInput = true
		} else if containsAnyFold(text, ChoiceMarkers) {
			needsInput = true
		}
	}

	if !needsInput {
		return Classification{Text: text}
	}

	if len(options) == 0 {
		if containsAnyFold(lastLine, YesNoMarkers) {
			options = []Option{
				{Label: "Yes", Value: "yes"},
				{Label: "No", Value: "no"},
			}
		} else {
			// A marker phrase fired but there is nothing to render as
			// buttons; treat as final text rather than pausing.
			return Classification{Text: text}
		}
	}

	return Classification{
		Text:       text,
		NeedsInput: true,
		Question:   lastLine,
		Options:    options,
	}
}

func extractNumberedOptions(text string) []Option {
	var out []Option
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		m := numberedLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, Option{
			Label: truncateRunes(line, maxLabelRunes),
			Value: m[1],
		})
		if len(out) == MaxOptions {
			break
		}
	}
	return out
}

// questionLine returns the last non-empty line, skipping past a trailing
// block of numbered options so that "Which one?\n1. a\n2. b" is still
// recognized as closing with a question.
func questionLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if l == "" {
			continue
		}
		if numberedLineRe.MatchString(l) {
			continue
		}
		return l
	}
	return ""
}

func containsAnyFold(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

package classify

import (
	"fmt"
	"strings"
	"testing"
)

func TestClassifyNumberedChoices(t *testing.T) {
	t.Parallel()

	out := Classify("Which do you prefer?\n1. Ship now\n2. Wait a week")
	if !out.NeedsInput {
		t.Fatal("expected NeedsInput = true")
	}
	if out.Question != "Which do you prefer?" {
		t.Errorf("Question = %q", out.Question)
	}
	if len(out.Options) != 2 {
		t.Fatalf("len(Options) = %d, want 2", len(out.Options))
	}
	if out.Options[0].Label != "1. Ship now" || out.Options[0].Value != "1" {
		t.Errorf("Options[0] = %+v", out.Options[0])
	}
	if out.Options[1].Label != "2. Wait a week" || out.Options[1].Value != "2" {
		t.Errorf("Options[1] = %+v", out.Options[1])
	}
}

func TestClassifyFinalText(t *testing.T) {
	t.Parallel()

	out := Classify("Done! I've updated the file.")
	if out.NeedsInput {
		t.Fatal("expected NeedsInput = false")
	}
	if out.Text != "Done! I've updated the file." {
		t.Errorf("Text = %q", out.Text)
	}
}

func TestClassifySingleOptionNoMarker(t *testing.T) {
	t.Parallel()

	// One numbered item and a trailing question is below the threshold
	// unless a marker phrase appears.
	out := Classify("Here is the plan:\n1. Refactor the parser\nSound good?")
	if out.NeedsInput {
		t.Fatal("expected NeedsInput = false with one option and no marker")
	}

	out = Classify("Here is the plan:\n1. Refactor the parser\n2. Add tests\nSound good?")
	if !out.NeedsInput {
		t.Fatal("expected NeedsInput = true with two options")
	}
}

func TestClassifyQuestionMarkMidText(t *testing.T) {
	t.Parallel()

	out := Classify("Should I delete this? I went ahead and kept it.\nAll done.")
	if out.NeedsInput {
		t.Fatal("expected NeedsInput = false when the text does not end with a question")
	}
}

func TestClassifyCapsAtSixOptions(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("Which option?\n")
	for i := 1; i <= 9; i++ {
		fmt.Fprintf(&b, "%d. Option number %d\n", i, i)
	}
	out := Classify(b.String())
	if !out.NeedsInput {
		t.Fatal("expected NeedsInput = true")
	}
	if len(out.Options) != MaxOptions {
		t.Fatalf("len(Options) = %d, want %d", len(out.Options), MaxOptions)
	}
	if out.Options[5].Value != "6" {
		t.Errorf("Options[5].Value = %q, want 6", out.Options[5].Value)
	}
}

func TestClassifyYesNoSynthesis(t *testing.T) {
	t.Parallel()

	out := Classify("I found the stale branch.\nShould I delete it?")
	if !out.NeedsInput {
		t.Fatal("expected NeedsInput = true")
	}
	if len(out.Options) != 2 {
		t.Fatalf("len(Options) = %d, want 2", len(out.Options))
	}
	if out.Options[0].Label != "Yes" || out.Options[0].Value != "yes" {
		t.Errorf("Options[0] = %+v", out.Options[0])
	}
	if out.Options[1].Label != "No" || out.Options[1].Value != "no" {
		t.Errorf("Options[1] = %+v", out.Options[1])
	}
}

func TestClassifyMarkerWithoutRenderableOptions(t *testing.T) {
	t.Parallel()

	// Marker phrase plus trailing question, but nothing to render as
	// buttons and no yes/no trigger: stays final text.
	out := Classify("They differ in cost.\nWhich would you prefer, the red or the blue?")
	if out.NeedsInput {
		t.Fatal("expected NeedsInput = false when no options can be rendered")
	}
}

func TestClassifyEmpty(t *testing.T) {
	t.Parallel()

	out := Classify("   \n  ")
	if out.NeedsInput {
		t.Fatal("expected NeedsInput = false for empty output")
	}
	if out.Text != "" {
		t.Errorf("Text = %q, want empty", out.Text)
	}
}

func TestClassifyLabelTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 200)
	out := Classify("Pick one?\n1. " + long + "\n2. short")
	if !out.NeedsInput {
		t.Fatal("expected NeedsInput = true")
	}
	if n := len([]rune(out.Options[0].Label)); n != 64 {
		t.Errorf("label rune length = %d, want 64", n)
	}
}

func TestClassifyParenNumbering(t *testing.T) {
	t.Parallel()

	out := Classify("Which one?\n1) first\n2) second")
	if !out.NeedsInput {
		t.Fatal("expected NeedsInput = true for paren-numbered options")
	}
	if out.Options[0].Value != "1" {
		t.Errorf("Options[0].Value = %q", out.Options[0].Value)
	}
}

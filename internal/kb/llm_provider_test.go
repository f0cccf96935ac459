package kb

import "testing"

func TestSanitizePromptInputStripsFencesAndNulBytes(t *testing.T) {
	in := "```\ndrop table entities\x00```"
	out := sanitizePromptInput(in)
	if out != "'''\ndrop table entities'''" {
		t.Errorf("unexpected sanitized output: %q", out)
	}
}

func TestSanitizePromptInputTruncatesToRuneLimit(t *testing.T) {
	long := make([]rune, maxPromptInputRunes+500)
	for i := range long {
		long[i] = 'a'
	}
	out := sanitizePromptInput(string(long))
	if len([]rune(out)) != maxPromptInputRunes {
		t.Errorf("expected truncation to %d runes, got %d", maxPromptInputRunes, len([]rune(out)))
	}
}

func TestBuildRouterUserPromptIncludesStrategyAndQuery(t *testing.T) {
	prompt := buildRouterUserPrompt("HOP", "마마 기가스")
	if prompt != "strategy: HOP\nquery: \"마마 기가스\"" {
		t.Errorf("unexpected prompt: %q", prompt)
	}
}

func TestBuildExtractionUserPromptSanitizesQuery(t *testing.T) {
	prompt := buildExtractionUserPrompt("```inject```")
	if prompt != "query: \"'''inject'''\"" {
		t.Errorf("unexpected prompt: %q", prompt)
	}
}

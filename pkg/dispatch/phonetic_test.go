package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuggestCommands(t *testing.T) {
	known := []string{"Quote.add", "Quote.get", "Karma.get", "Weather.now"}

	// Close typos land within the edit-distance bound.
	got := SuggestCommands("quote.ad", known)
	assert.Contains(t, got, "Quote.add")
	assert.NotContains(t, got, "Weather.now")

	// Sound-alikes match even past the edit-distance bound.
	got = SuggestCommands("quote", []string{"kwoat"})
	assert.Equal(t, []string{"kwoat"}, got)

	// A correctly spelled name is not its own suggestion.
	got = SuggestCommands("Karma.get", known)
	assert.NotContains(t, got, "Karma.get")

	assert.Empty(t, SuggestCommands("zzzz.qqqq", known))
}

func TestSuggestionText(t *testing.T) {
	assert.Equal(t,
		"Command foo.bar not found. Can't find any suggestions either.",
		SuggestionText("foo.bar", nil))
	assert.Equal(t,
		"Command foo.bar not found. Perhaps you meant foo.baz?",
		SuggestionText("foo.bar", []string{"foo.baz"}))
	assert.Equal(t,
		"Command foo.bar not found. Perhaps you meant one of: foo.baz, foo.bat or foo.car?",
		SuggestionText("foo.bar", []string{"foo.baz", "foo.bat", "foo.car"}))
}

package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// maxSuggestionDistance is the furthest edit distance still offered as a
// suggestion for a mistyped command.
const maxSuggestionDistance = 2

// SuggestCommands ranks the known commands that plausibly match a
// mistyped "plugin.command" name: either they sound the same under
// double metaphone or they are within a small edit distance. Candidates
// come back sorted by distance, ties alphabetically.
func SuggestCommands(input string, known []string) []string {
	inPrimary, inSecondary := matchr.DoubleMetaphone(strings.ToLower(input))

	type scored struct {
		name string
		dist int
	}
	var matches []scored
	for _, cand := range known {
		folded := strings.ToLower(cand)
		if folded == strings.ToLower(input) {
			continue
		}
		dist := matchr.Levenshtein(strings.ToLower(input), folded)
		candPrimary, candSecondary := matchr.DoubleMetaphone(folded)
		sounds := candPrimary != "" && (candPrimary == inPrimary || candPrimary == inSecondary ||
			(candSecondary != "" && candSecondary == inSecondary))
		if !sounds && dist > maxSuggestionDistance {
			continue
		}
		matches = append(matches, scored{name: cand, dist: dist})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].dist != matches[j].dist {
			return matches[i].dist < matches[j].dist
		}
		return matches[i].name < matches[j].name
	})

	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.name
	}
	return names
}

// SuggestionText renders the reply for an unresolvable command.
func SuggestionText(input string, suggestions []string) string {
	switch len(suggestions) {
	case 0:
		return fmt.Sprintf("Command %s not found. Can't find any suggestions either.", input)
	case 1:
		return fmt.Sprintf("Command %s not found. Perhaps you meant %s?", input, suggestions[0])
	default:
		last := suggestions[len(suggestions)-1]
		rest := strings.Join(suggestions[:len(suggestions)-1], ", ")
		return fmt.Sprintf("Command %s not found. Perhaps you meant one of: %s or %s?", input, rest, last)
	}
}

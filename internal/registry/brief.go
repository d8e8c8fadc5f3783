package registry

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// GenerateBrief renders a bounded human-readable summary of the
// executable capabilities, suitable for injection into an LLM prompt.
// The output never exceeds maxLen bytes; overflow is elided with a
// trailing count.
func (r *Registry) GenerateBrief(maxLen int) string {
	avail := r.ListAvailable()
	if len(avail) == 0 {
		return "No capabilities are currently available."
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Available capabilities (%d):\n", len(avail)))

	for i, d := range avail {
		line := fmt.Sprintf("- %s [%s/%s]: %s\n", d.ID, d.ProviderKind, d.Privilege, oneLine(d.Description))
		if maxLen > 0 && b.Len()+len(line) > maxLen {
			remainder := fmt.Sprintf("… and %d more\n", len(avail)-i)
			if b.Len()+len(remainder) <= maxLen {
				b.WriteString(remainder)
			}
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n")
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 120 {
		// Back up to a rune boundary so the cut never leaves a partial
		// multi-byte sequence in the brief.
		cut := 117
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

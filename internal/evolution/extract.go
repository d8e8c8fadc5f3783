package evolution

import "strings"

// ExtractCodeBlock pulls the first fenced code block out of a model
// response, preferring fences tagged with one of langs. A response with
// no fences at all is treated as raw code; the empty string means the
// response carried no usable code.
func ExtractCodeBlock(text string, langs ...string) string {
	for _, lang := range append(langs, "") {
		for _, fence := range []string{"```" + lang + "\n", "```" + lang + "\r\n"} {
			idx := strings.Index(text, fence)
			if idx == -1 {
				continue
			}
			start := idx + len(fence)
			end := strings.Index(text[start:], "```")
			if end == -1 {
				continue
			}
			return strings.TrimSpace(text[start : start+end])
		}
	}

	if strings.Contains(text, "```") {
		// Fences present but none parsed cleanly; refusing is safer than
		// compiling prose.
		return ""
	}
	return strings.TrimSpace(text)
}

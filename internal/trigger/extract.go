package trigger

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	jsonFence      = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	anyFence       = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
	finalAnswerTag = regexp.MustCompile(`(?is)final answer:\s*(.+)`)
)

// ExtractJSON finds a JSON object in free-form model output. It tries, in
// order, a ```json fence, any ``` fence, the text after "Final Answer:" and
// finally the span from the first "{" to the last "}". Each candidate must be
// valid JSON. The empty string means nothing was found.
func ExtractJSON(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if m := jsonFence.FindStringSubmatch(text); m != nil && json.Valid([]byte(m[1])) {
		return m[1]
	}
	if m := anyFence.FindStringSubmatch(text); m != nil && json.Valid([]byte(m[1])) {
		return m[1]
	}
	if m := finalAnswerTag.FindStringSubmatch(text); m != nil {
		if s := braces(m[1]); s != "" {
			return s
		}
	}
	return braces(text)
}

func braces(s string) string {
	first := strings.IndexByte(s, '{')
	last := strings.LastIndexByte(s, '}')
	if first < 0 || last < first {
		return ""
	}
	candidate := s[first : last+1]
	if !json.Valid([]byte(candidate)) {
		return ""
	}
	return candidate
}

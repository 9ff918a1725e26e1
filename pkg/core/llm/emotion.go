// Package llm holds the Responder adapters.
package llm

import (
	"strings"
	"unicode"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
)

const maxEmotionLen = 24

// ParseReply splits a leading "[emotion]" tag off text. Tags that are empty,
// too long, or not a single word are left in the text.
func ParseReply(text string) core.Reply {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "[") {
		return core.Reply{Text: trimmed}
	}
	end := strings.IndexByte(trimmed, ']')
	if end <= 1 || end > maxEmotionLen+1 {
		return core.Reply{Text: trimmed}
	}
	tag := strings.TrimSpace(trimmed[1:end])
	if tag == "" || strings.IndexFunc(tag, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_' && r != '-'
	}) >= 0 {
		return core.Reply{Text: trimmed}
	}
	return core.Reply{
		Text:    strings.TrimSpace(trimmed[end+1:]),
		Emotion: strings.ToLower(tag),
	}
}

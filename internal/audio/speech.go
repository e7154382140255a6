package audio

import (
	"regexp"
	"strings"
)

// emojiClass covers the pictograph, dingbat, keycap and tag blocks.
const emojiClass = `[\x{1F000}-\x{1FAFF}\x{2600}-\x{27BF}\x{2B00}-\x{2BFF}\x{20E3}\x{E0020}-\x{E007F}]`

var (
	markdownMarkers = strings.NewReplacer("**", "", "__", "", "~~", "", "`", "", "*", "", "#", "")
	markdownLinks   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	multipleSpaces  = regexp.MustCompile(`\s+`)
)

// emojiSequences matches pictographs with their presentation selectors, skin
// tones and joiners.  A joiner not followed by a pictograph is left alone:
// Indic scripts use it inside words.
var emojiSequences = regexp.MustCompile(`(?:` + emojiClass + `|[\x{FE0E}\x{FE0F}]|\x{200D}` + emojiClass + `)+`)

// NormalizeForSpeech strips markdown markers and emoji from a reply so the
// synthesiser does not read them out, then collapses whitespace.
func NormalizeForSpeech(text string) string {
	text = markdownLinks.ReplaceAllString(text, "$1")
	text = markdownMarkers.Replace(text)
	text = emojiSequences.ReplaceAllString(text, "")
	text = multipleSpaces.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Package clean implements the dataset cleaning rules: text sanitisation,
// duplicate removal and Tukey-fence outlier filtering.
package clean

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	emojiPattern = regexp.MustCompile(`[` +
		`\x{1F600}-\x{1F64F}` + // emoticons
		`\x{1F300}-\x{1F5FF}` + // symbols and pictographs
		`\x{1F680}-\x{1F6FF}` + // transport and map
		`\x{1F1E0}-\x{1F1FF}` + // flags
		`\x{1F900}-\x{1F9FF}` +
		`\x{1FA70}-\x{1FAFF}` +
		`\x{2600}-\x{26FF}` +
		`\x{2700}-\x{27BF}` +
		`\x{FE0F}\x{200D}` +
		`]+`)
	mentionPattern     = regexp.MustCompile(`@[\p{L}\p{N}_]+`)
	disallowedPattern  = regexp.MustCompile(`[^\p{L}\p{M}\p{N}_\s\p{Z}.,!?;:()\-]+`)
	whitespacePattern  = regexp.MustCompile(`[\s\p{Z}]+`)
	placeholderPattern = regexp.MustCompile(`__MENTION_(\d+)__`)
)

// Sanitize cleans one text cell. Steps run in a fixed order: emoji removal,
// mention protection, stripping of disallowed characters, mention
// restoration, whitespace collapse. Mentions are swapped for placeholders
// before stripping so their '@' survives.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	s := norm.NFC.String(text)
	s = emojiPattern.ReplaceAllString(s, "")

	var mentions []string
	s = mentionPattern.ReplaceAllStringFunc(s, func(m string) string {
		mentions = append(mentions, m)
		return fmt.Sprintf("__MENTION_%d__", len(mentions)-1)
	})

	s = disallowedPattern.ReplaceAllString(s, "")
	s = collapsePunctuation(s)

	if len(mentions) > 0 {
		s = placeholderPattern.ReplaceAllStringFunc(s, func(p string) string {
			i, err := strconv.Atoi(placeholderPattern.FindStringSubmatch(p)[1])
			if err != nil || i >= len(mentions) {
				return p
			}
			return mentions[i]
		})
	}

	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// collapsePunctuation folds runs of the same sentence punctuation mark
// ("!!", "??", "..") to a single mark.
func collapsePunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		if r == prev && strings.ContainsRune(".,!?;:", r) {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

package generation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"myway/pkg/domain"
)

const (
	// DefaultTitleLength is the display title limit in characters.
	DefaultTitleLength = 50

	videoContext   = "Create an engaging, visually appealing scene: "
	imageContext   = "Create a stunning, shareable visual: "
	qualitySuffix  = ", high quality, vibrant, eye-catching"
	detailedPrompt = 100
	briefPrompt    = 50
	shortPrompt    = 20
)

var (
	contextPrefix = regexp.MustCompile(`(?i)^(Create an engaging.*?scene:|Create a stunning.*?visual:)\s*`)
	qualityTail   = regexp.MustCompile(`(?i),\s*(high quality|vibrant|eye-catching|dramatic|cinematic).*$`)
)

// EnhanceForSocial adds light social-feed context to brief prompts.
// Detailed prompts pass through unchanged.
func EnhanceForSocial(prompt string, media domain.MediaType) string {
	if utf8.RuneCountInString(prompt) > detailedPrompt {
		return prompt
	}
	clean := strings.TrimSpace(prompt)
	n := utf8.RuneCountInString(clean)
	enhanced := clean
	if n < briefPrompt {
		prefix := imageContext
		if media == domain.MediaVideo {
			prefix = videoContext
		}
		enhanced = prefix + clean
	}
	if n < shortPrompt {
		enhanced += qualitySuffix
	}
	return enhanced
}

// TitleFromPrompt derives a display title, stripping context added by
// EnhanceForSocial and truncating at a word boundary.
func TitleFromPrompt(prompt string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultTitleLength
	}
	clean := strings.TrimSpace(prompt)
	if clean == "" {
		return "Untitled"
	}
	clean = contextPrefix.ReplaceAllString(clean, "")
	clean = qualityTail.ReplaceAllString(clean, "")
	runes := []rune(clean)
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	if len(runes) <= maxLen {
		return string(runes)
	}
	truncated := string(runes[:maxLen])
	if i := strings.LastIndex(truncated, " "); i >= 0 {
		truncated = truncated[:i]
	}
	if utf8.RuneCountInString(truncated) < maxLen-10 {
		truncated = string(runes[:maxLen-3])
	}
	return truncated + "..."
}

// ShareText is the caption offered when a post is shared.
func ShareText(prompt string, media domain.MediaType) string {
	label := "image"
	if media == domain.MediaVideo {
		label = "video"
	}
	return "Check out this amazing " + label + " on MyWay! \"" + TitleFromPrompt(prompt, 60) + "\""
}

// VariationPrompt is the prompt used for "more like this" requests.
func VariationPrompt(prompt string) string {
	return "Variation on " + prompt
}

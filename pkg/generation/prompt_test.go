package generation

import (
	"strings"
	"testing"

	"myway/pkg/domain"
)

func TestEnhanceForSocial(t *testing.T) {
	cases := []struct {
		name   string
		prompt string
		media  domain.MediaType
		want   string
	}{
		{"short image", "cat", domain.MediaImage, "Create a stunning, shareable visual: cat, high quality, vibrant, eye-catching"},
		{"brief video", "a fox running through snowy woods", domain.MediaVideo, "Create an engaging, visually appealing scene: a fox running through snowy woods"},
		{"medium", strings.Repeat("a", 60), domain.MediaImage, strings.Repeat("a", 60)},
		{"detailed", strings.Repeat("b", 120), domain.MediaImage, strings.Repeat("b", 120)},
	}
	for _, tc := range cases {
		if got := EnhanceForSocial(tc.prompt, tc.media); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestTitleFromPrompt(t *testing.T) {
	cases := []struct {
		name   string
		prompt string
		want   string
	}{
		{"empty", "   ", "Untitled"},
		{"capitalized", "cozy rainy cafe", "Cozy rainy cafe"},
		{"strips enhancement", "Create a stunning, shareable visual: cat, high quality, vibrant, eye-catching", "Cat"},
		{"strips video context", "Create an engaging, visually appealing scene: dancing robots", "Dancing robots"},
		{"word boundary", "a very long prompt about neon cyberpunk streets at night with rain", "A very long prompt about neon cyberpunk streets..."},
		{"no spaces", strings.Repeat("x", 60), "X" + strings.Repeat("x", 49) + "..."},
		{"hard cut", "abcdefghij klmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyzabcdefghij", "Abcdefghij klmnopqrstuvwxyzabcdefghijklmnopqrst..."},
	}
	for _, tc := range cases {
		if got := TitleFromPrompt(tc.prompt, DefaultTitleLength); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestShareTextAndVariation(t *testing.T) {
	if got := ShareText("surreal underwater city", domain.MediaVideo); got != `Check out this amazing video on MyWay! "Surreal underwater city"` {
		t.Fatalf("unexpected share text %q", got)
	}
	if got := VariationPrompt("cozy rainy cafe"); got != "Variation on cozy rainy cafe" {
		t.Fatalf("unexpected variation prompt %q", got)
	}
}

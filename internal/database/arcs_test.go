package database

import (
	"strings"
	"testing"
)

func TestSlugifyArcName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "GPT-5 Development", "gpt-5-development"},
		{"possessive", "OpenAI's GPT-5 Development", "openai-s-gpt-5-development"},
		{"collapse_runs", "A  --  B", "a-b"},
		{"leading_trailing", "  Hello World!  ", "hello-world"},
		{"unicode_dropped", "Café Strategy", "caf-strategy"},
		{"empty", "!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SlugifyArcName(tt.in); got != tt.want {
				t.Errorf("SlugifyArcName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSlugifyArcName_LengthCapped(t *testing.T) {
	long := strings.Repeat("ab-", 60)
	slug := SlugifyArcName(long)
	if len(slug) > 80 {
		t.Errorf("slug length = %d, want <= 80", len(slug))
	}
	if strings.HasSuffix(slug, "-") || strings.HasPrefix(slug, "-") {
		t.Errorf("slug %q has dangling dash after cap", slug)
	}
}

func TestSlugifyArcName_Stable(t *testing.T) {
	// Same name always produces the same slug; this backs the
	// get-or-create idempotence guarantee.
	a := SlugifyArcName("OpenAI's GPT-5 Development")
	b := SlugifyArcName("openai s gpt 5 development")
	if a != b {
		t.Errorf("equivalent names produced different slugs: %q vs %q", a, b)
	}
}

func TestValidCategory(t *testing.T) {
	for _, c := range FunctionalCategories {
		if !ValidCategory(c) {
			t.Errorf("ValidCategory(%q) = false for listed category", c)
		}
	}
	for _, c := range []string{"", "Model_Release", "news", "launch"} {
		if ValidCategory(c) {
			t.Errorf("ValidCategory(%q) = true, want false", c)
		}
	}
}

package rooms

import (
	"regexp"
	"strings"
	"testing"
)

func TestGenerateSlug_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^[ABCDEFGHJKMNPQRSTUVWXYZ23456789]{6}$`)

	for i := 0; i < 100; i++ {
		slug, err := GenerateSlug(SlugLength)
		if err != nil {
			t.Fatalf("GenerateSlug() error: %v", err)
		}
		if !pattern.MatchString(slug) {
			t.Errorf("GenerateSlug() = %q, doesn't match expected pattern", slug)
		}
		if strings.ContainsAny(slug, "0OIL1") {
			t.Errorf("slug %q contains an ambiguous character", slug)
		}
	}
}

func TestGenerateSlug_Length(t *testing.T) {
	for _, n := range []int{1, 4, 12} {
		slug, err := GenerateSlug(n)
		if err != nil {
			t.Fatal(err)
		}
		if len(slug) != n {
			t.Errorf("len(GenerateSlug(%d)) = %d", n, len(slug))
		}
	}
	if _, err := GenerateSlug(0); err == nil {
		t.Error("GenerateSlug(0) should fail")
	}
}

func TestGenerateSlug_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		slug, err := GenerateSlug(SlugLength)
		if err != nil {
			t.Fatal(err)
		}
		if seen[slug] {
			t.Errorf("duplicate slug %q", slug)
		}
		seen[slug] = true
	}
}

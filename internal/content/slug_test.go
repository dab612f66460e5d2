package content

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"How to Do Great Work", "how-to-do-great-work"},
		{"  Hello, World!  ", "hello-world"},
		{"Café Society", "cafe-society"},
		{"a - b -- c", "a-b-c"},
		{"snake_case stays", "snake_case-stays"},
		{"---", ""},
		{"日本語のタイトル", "日本語のタイトル"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSlugify_Truncates(t *testing.T) {
	got := Slugify(strings.Repeat("word ", 40))
	if n := len([]rune(got)); n > maxSlugLength {
		t.Errorf("len = %d, want <= %d", n, maxSlugLength)
	}
	if strings.HasSuffix(got, "-") {
		t.Errorf("slug ends with dash: %q", got)
	}
}

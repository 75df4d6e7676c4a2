package mention

import (
	"reflect"
	"testing"
)

func knownSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func TestParse(t *testing.T) {
	known := knownSet("claude", "gpt", "gemini", "grok")

	cases := []struct {
		name    string
		text    string
		want    map[string]bool
		cleaned string
	}{
		{
			name:    "single mention plus all",
			text:    "@claude explain @all of this",
			want:    map[string]bool{"claude": true, All: true},
			cleaned: "explain of this",
		},
		{
			name:    "no mentions",
			text:    "what does this function do",
			want:    map[string]bool{},
			cleaned: "what does this function do",
		},
		{
			name:    "duplicate mentions dedup",
			text:    "@gpt @gpt fix the bug",
			want:    map[string]bool{"gpt": true},
			cleaned: "fix the bug",
		},
		{
			name:    "unknown mention passes through",
			text:    "hey @someoneelse look at this",
			want:    map[string]bool{},
			cleaned: "hey @someoneelse look at this",
		},
		{
			name:    "case insensitive",
			text:    "@CLAUDE @All",
			want:    map[string]bool{"claude": true, All: true},
			cleaned: "",
		},
		{
			name:    "purely mentions yields empty cleaned text",
			text:    "@claude @gemini",
			want:    map[string]bool{"claude": true, "gemini": true},
			cleaned: "",
		},
		{
			name:    "whitespace collapsed",
			text:    "@claude    please    help",
			want:    map[string]bool{"claude": true},
			cleaned: "please help",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			forced, cleaned := Parse(c.text, known)
			if !reflect.DeepEqual(forced, c.want) {
				t.Fatalf("forced = %v, want %v", forced, c.want)
			}
			if cleaned != c.cleaned {
				t.Fatalf("cleaned = %q, want %q", cleaned, c.cleaned)
			}
		})
	}
}

func TestIsAll(t *testing.T) {
	forced, _ := Parse("@all go", knownSet("claude"))
	if !IsAll(forced) {
		t.Fatal("expected IsAll true")
	}

	forced, _ = Parse("@claude go", knownSet("claude"))
	if IsAll(forced) {
		t.Fatal("expected IsAll false")
	}
}

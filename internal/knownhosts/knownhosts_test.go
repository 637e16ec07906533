package knownhosts

import "testing"

func TestGlobMatchExamples(t *testing.T) {
	cases := []struct {
		pattern string
		target  string
		want    bool
	}{
		{"*.example.com", "a.example.com", true},
		{"*.example.com", "example.net", false},
		{"??.example.com", "ab.example.com", true},
		{"??.example.com", "abc.example.com", false},
	}
	for _, c := range cases {
		got := globMatch(c.pattern, c.target)
		if got != c.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", c.pattern, c.target, got, c.want)
		}
	}
}

func TestNegationRejectsOverallMatch(t *testing.T) {
	patterns := []string{"!bad.example.com", "*.example.com"}
	if matchPlainPatterns(patterns, "bad.example.com") {
		t.Fatal("expected negation to reject bad.example.com")
	}
	if !matchPlainPatterns(patterns, "good.example.com") {
		t.Fatal("expected *.example.com to match good.example.com")
	}
}

func TestTargetPattern(t *testing.T) {
	if got := TargetPattern("example.com", 22); got != "example.com" {
		t.Fatalf("got %q", got)
	}
	if got := TargetPattern("example.com", 2222); got != "[example.com]:2222" {
		t.Fatalf("got %q", got)
	}
}

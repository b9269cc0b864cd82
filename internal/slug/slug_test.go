package slug

import "testing"

func TestGenerateMatchesPattern(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := Generate()
		if !Valid(s) {
			t.Fatalf("generated slug %q does not match %s", s, Pattern.String())
		}
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"demo-app":      true,
		"a":             true,
		"wispy-haze":    true,
		"Demo-App":      false,
		"demo_app":      false,
		"demo app":      false,
		"demo-app-1":    false,
		"":              false,
		"slug.with.dot": false,
	}
	for input, want := range cases {
		if got := Valid(input); got != want {
			t.Errorf("Valid(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestGenerateVaries(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		seen[Generate()] = struct{}{}
	}
	if len(seen) < 10 {
		t.Fatalf("expected varied slugs, got %d distinct out of 100", len(seen))
	}
}

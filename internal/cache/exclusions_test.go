package cache

import "testing"

func TestExclusionListNil(t *testing.T) {
	var el *ExclusionList
	if el.Matches("gpt-4o") {
		t.Fatal("nil list must not match")
	}
	if el.Len() != 0 {
		t.Fatalf("Len = %d, want 0", el.Len())
	}
}

func TestExclusionListMatches(t *testing.T) {
	el, err := NewExclusionList(
		[]string{"o1-preview", "", "claude-opus-latest"},
		[]string{`^gpt-4`, "", `-realtime$`},
	)
	if err != nil {
		t.Fatal(err)
	}
	if el.Len() != 4 {
		t.Fatalf("Len = %d, want 4 (blanks skipped)", el.Len())
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"o1-preview", true},
		{"claude-opus-latest", true},
		{"O1-Preview", false}, // exact rules are case-sensitive
		{"gpt-4o", true},
		{"gpt-4-turbo", true},
		{"gpt-3.5-turbo", false},
		{"gemini-2.0-flash-realtime", true},
		{"gemini-1.5-pro", false},
	}
	for _, tc := range cases {
		if got := el.Matches(tc.model); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestExclusionListBadPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{`([`}); err == nil {
		t.Fatal("invalid pattern must fail at construction")
	}
}

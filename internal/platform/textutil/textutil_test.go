package textutil

import "testing"

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text unchanged",
			input:    "Hello World",
			expected: "Hello World",
		},
		{
			name:     "tags removed",
			input:    "<p>Hello <b>World</b></p>",
			expected: "Hello World",
		},
		{
			name:     "entities decoded",
			input:    "Ben &amp; Jerry&#39;s",
			expected: "Ben & Jerry's",
		},
		{
			name:     "comments removed",
			input:    "before<!-- hidden\nstuff -->after",
			expected: "before after",
		},
		{
			name:     "paragraphs separated by space",
			input:    "<p>first</p><p>second</p>",
			expected: "first second",
		},
		{
			name:     "img with attributes",
			input:    `<img src="https://cdn.example.com/a.jpg" alt="x"/>caption`,
			expected: "caption",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripHTML(tt.input); got != tt.expected {
				t.Errorf("StripHTML(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCollapseWhitespace(t *testing.T) {
	got := CollapseWhitespace("  a\n\tb  c  ")
	if got != "a b c" {
		t.Errorf("CollapseWhitespace = %q, want %q", got, "a b c")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxRunes int
		expected string
	}{
		{
			name:     "short string unchanged",
			input:    "short",
			maxRunes: 10,
			expected: "short",
		},
		{
			name:     "cuts at word boundary",
			input:    "the quick brown fox jumps",
			maxRunes: 13,
			expected: "the quick…",
		},
		{
			name:     "no boundary inside limit",
			input:    "abcdefghij",
			maxRunes: 5,
			expected: "abcde…",
		},
		{
			name:     "zero limit",
			input:    "anything",
			maxRunes: 0,
			expected: "",
		},
		{
			name:     "trailing punctuation trimmed",
			input:    "one two, three four",
			maxRunes: 9,
			expected: "one two…",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.input, tt.maxRunes); got != tt.expected {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.maxRunes, got, tt.expected)
			}
		})
	}
}

func TestCleanAbstract(t *testing.T) {
	input := "<p>Researchers  announced a &quot;major&quot; result in <i>quantum</i> computing today.</p>"
	got := CleanAbstract(input, 200)
	want := `Researchers announced a "major" result in quantum computing today.`

	if got != want {
		t.Errorf("CleanAbstract = %q, want %q", got, want)
	}
}

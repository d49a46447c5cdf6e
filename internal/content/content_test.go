package content

import (
	"strings"
	"testing"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  error
	}{
		{"Plain text", "Hello World", "Hello World", nil},
		{"Trimmed", "  hi \n", "hi", nil},
		{"Emoji", "I am 🤖", "I am 🤖", nil},
		{"Empty", "", "", ErrEmpty},
		{"Whitespace only", " \t\n ", "", ErrEmpty},
		{"Too long", strings.Repeat("я", MaxTextRunes+1), "", ErrTooLong},
		{"At limit", strings.Repeat("я", MaxTextRunes), strings.Repeat("я", MaxTextRunes), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeText(tt.input)
			if err != tt.wantErr {
				t.Fatalf("NormalizeText() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("NormalizeText() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		absent   string
	}{
		{"Emphasis", "hello **world**", "<strong>world</strong>", ""},
		{"Strikethrough", "~~old~~", "<del>old</del>", ""},
		{"Script tag", "Hello <script>alert('xss')</script>", "Hello", "<script>"},
		{"Javascript link", "[click](javascript:alert(1))", "click", "javascript:"},
		{"Linkify", "see https://example.com", `href="https://example.com"`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.input)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Render() = %q, want it to contain %q", got, tt.contains)
			}
			if tt.absent != "" && strings.Contains(got, tt.absent) {
				t.Errorf("Render() = %q, must not contain %q", got, tt.absent)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain", "Alice", "Alice"},
		{"Markup stripped", "<b>Bob</b>", "Bob"},
		{"Trimmed", "  Carol ", "Carol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayName(tt.input); got != tt.expected {
				t.Errorf("DisplayName() = %v, want %v", got, tt.expected)
			}
		})
	}

	long := DisplayName(strings.Repeat("x", MaxDisplayName*2))
	if len([]rune(long)) != MaxDisplayName {
		t.Errorf("DisplayName() length = %d, want %d", len([]rune(long)), MaxDisplayName)
	}
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid alphanumeric", "user123", false},
		{"Valid uuid", "3f1c2a9e-8d7b-4c1e-9a55-0c7e6a1b2d3f", false},
		{"Valid email-like", "alice@example.org", false},
		{"Valid with colon", "tenant:42", false},
		{"Invalid space", "user name", true},
		{"Invalid tilde", "a~b", true},
		{"Invalid slash", "a/b", true},
		{"Empty", "", true},
		{"Too long", strings.Repeat("a", MaxIdentityLen+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateIdentity(tt.input); (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentity() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

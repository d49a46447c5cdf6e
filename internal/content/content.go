package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const (
	MaxTextRunes   = 4000
	MaxIdentityLen = 128
	MaxDisplayName = 64
)

var (
	ErrEmpty   = errors.New("content cannot be empty")
	ErrTooLong = errors.New("content is too long")

	policy        = bluemonday.UGCPolicy()
	strictPolicy  = bluemonday.StrictPolicy()
	identityRegex = regexp.MustCompile(`^[a-zA-Z0-9._:@-]+$`)

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
)

// NormalizeText trims surrounding whitespace and enforces the length limit
// for a text message body.
func NormalizeText(input string) (string, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return "", ErrTooLong
	}
	return text, nil
}

// Render converts a markdown message body into sanitized HTML.
// Raw HTML in the source is dropped by the renderer and anything that
// slips through is stripped by the UGC policy.
func Render(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(policy.Sanitize(buf.String())), nil
}

// DisplayName strips all markup from a user supplied display name.
func DisplayName(input string) string {
	name := strings.TrimSpace(strictPolicy.Sanitize(input))
	if utf8.RuneCountInString(name) > MaxDisplayName {
		name = string([]rune(name)[:MaxDisplayName])
	}
	return name
}

// ValidateIdentity checks that a user identity is non-empty, bounded and
// contains only characters that are safe in keys and URLs.
func ValidateIdentity(id string) error {
	if id == "" {
		return errors.New("identity cannot be empty")
	}
	if len(id) > MaxIdentityLen {
		return errors.New("identity is too long")
	}
	if !identityRegex.MatchString(id) {
		return errors.New("identity contains invalid characters (allowed: alphanumeric, dot, dash, underscore, colon, at)")
	}
	return nil
}

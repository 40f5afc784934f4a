// Package sanitize filters submitted section content through per-kind allow-lists.
package sanitize

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

var (
	// ErrDisallowedURL indicates that an image or background URL uses a forbidden scheme or shape.
	ErrDisallowedURL = errors.New("sanitize: disallowed url")
	// ErrUnsupportedKind indicates that no policy exists for the section kind.
	ErrUnsupportedKind = errors.New("sanitize: unsupported kind")
)

var richElements = []string{
	"p", "br", "strong", "em", "b", "i", "u", "s", "span", "a",
	"ul", "ol", "li", "h1", "h2", "h3", "h4", "h5", "h6",
	"blockquote", "small", "sub", "sup", "code",
}

// Sanitizer holds the compiled policies. It is safe for concurrent use.
type Sanitizer struct {
	text *bluemonday.Policy
	rich *bluemonday.Policy
}

// New compiles the text and rich html policies.
func New() *Sanitizer {
	rich := bluemonday.NewPolicy()
	rich.AllowElements(richElements...)
	rich.AllowAttrs("href", "title").OnElements("a")
	rich.AllowAttrs("class").Globally()
	rich.AllowURLSchemes("http", "https", "mailto")
	rich.AllowRelativeURLs(true)
	rich.RequireParseableURLs(true)

	return &Sanitizer{
		text: bluemonday.StrictPolicy(),
		rich: rich,
	}
}

// Sanitize filters content for the given kind. Text and html results are html fragments
// ready to be placed as element content; image and background results are URLs.
func (s *Sanitizer) Sanitize(content string, kind pages.SectionKind) (string, error) {
	switch kind {
	case pages.SectionKindText:
		return s.text.Sanitize(content), nil
	case pages.SectionKindHTML:
		return s.rich.Sanitize(content), nil
	case pages.SectionKindImage, pages.SectionKindBackground:
		return SanitizeURL(content)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}

// SanitizeSection returns a copy of section with its payload filtered.
// Image alt text is returned entity-escaped so it can be placed inside a quoted attribute.
func (s *Sanitizer) SanitizeSection(section pages.Section) (pages.Section, error) {
	if err := section.Validate(); err != nil {
		return pages.Section{}, err
	}
	result := section
	switch section.Kind {
	case pages.SectionKindText:
		clean := s.text.Sanitize(*section.Text)
		result.Text = &clean
	case pages.SectionKindHTML:
		clean := s.rich.Sanitize(*section.HTML)
		result.HTML = &clean
	case pages.SectionKindImage:
		src, err := SanitizeURL(section.Image.Src)
		if err != nil {
			return pages.Section{}, fmt.Errorf("section %s: %w", section.ID, err)
		}
		result.Image = &pages.ImageContent{Src: src, Alt: s.text.Sanitize(section.Image.Alt)}
	case pages.SectionKindBackground:
		target, err := SanitizeURL(section.Background.URL)
		if err != nil {
			return pages.Section{}, fmt.Errorf("section %s: %w", section.ID, err)
		}
		result.Background = &pages.BackgroundContent{URL: target}
	}
	return result, nil
}

// SanitizeURL accepts http, https and relative URLs. Control characters and whitespace that
// browsers drop while resolving a scheme are removed before the scheme is checked.
func SanitizeURL(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == ' ' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty", ErrDisallowedURL)
	}
	if strings.ContainsAny(cleaned, "\"'()\\<>`") {
		return "", fmt.Errorf("%w: forbidden character in %q", ErrDisallowedURL, cleaned)
	}
	parsed, err := url.Parse(cleaned)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDisallowedURL, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "", "http", "https":
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrDisallowedURL, parsed.Scheme)
	}
	return cleaned, nil
}

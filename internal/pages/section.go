package pages

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSection indicates that a section variant is malformed.
	ErrInvalidSection = errors.New("pages: invalid section")
	// ErrUnknownSection indicates that a submitted section id does not exist on the page.
	ErrUnknownSection = errors.New("pages: unknown section")
)

// SectionKind tags the payload carried by a Section.
type SectionKind string

const (
	SectionKindText       SectionKind = "text"
	SectionKindHTML       SectionKind = "html"
	SectionKindImage      SectionKind = "image"
	SectionKindBackground SectionKind = "background"
)

// ParseSectionKind validates a raw kind string.
func ParseSectionKind(value string) (SectionKind, error) {
	switch kind := SectionKind(strings.ToLower(strings.TrimSpace(value))); kind {
	case SectionKindText, SectionKindHTML, SectionKindImage, SectionKindBackground:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSection, value)
	}
}

// ImageContent is the payload of an image section.
type ImageContent struct {
	Src string `json:"src" yaml:"src"`
	Alt string `json:"alt,omitempty" yaml:"alt,omitempty"`
}

// BackgroundContent is the payload of a background-image section.
type BackgroundContent struct {
	URL string `json:"url" yaml:"url"`
}

// Section is a selector-addressed editable region of a page.
// Exactly one payload field, the one matching Kind, is populated.
type Section struct {
	ID         string             `json:"id" yaml:"id"`
	Kind       SectionKind        `json:"kind" yaml:"kind"`
	Selector   string             `json:"selector,omitempty" yaml:"selector"`
	Text       *string            `json:"text,omitempty" yaml:"text,omitempty"`
	HTML       *string            `json:"html,omitempty" yaml:"html,omitempty"`
	Image      *ImageContent      `json:"image,omitempty" yaml:"image,omitempty"`
	Background *BackgroundContent `json:"background,omitempty" yaml:"background,omitempty"`
}

// TextSection builds a text section.
func TextSection(id, selector, text string) Section {
	return Section{ID: id, Kind: SectionKindText, Selector: selector, Text: &text}
}

// HTMLSection builds a rich html section.
func HTMLSection(id, selector, markup string) Section {
	return Section{ID: id, Kind: SectionKindHTML, Selector: selector, HTML: &markup}
}

// ImageSection builds an image section.
func ImageSection(id, selector, src, alt string) Section {
	return Section{ID: id, Kind: SectionKindImage, Selector: selector, Image: &ImageContent{Src: src, Alt: alt}}
}

// BackgroundSection builds a background-image section.
func BackgroundSection(id, selector, url string) Section {
	return Section{ID: id, Kind: SectionKindBackground, Selector: selector, Background: &BackgroundContent{URL: url}}
}

// Validate checks that the populated payload matches the kind tag.
func (s Section) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidSection)
	}
	populated := 0
	for _, set := range []bool{s.Text != nil, s.HTML != nil, s.Image != nil, s.Background != nil} {
		if set {
			populated++
		}
	}
	if populated != 1 {
		return fmt.Errorf("%w: section %s must carry exactly one payload", ErrInvalidSection, s.ID)
	}
	switch s.Kind {
	case SectionKindText:
		if s.Text == nil {
			return fmt.Errorf("%w: section %s missing text payload", ErrInvalidSection, s.ID)
		}
	case SectionKindHTML:
		if s.HTML == nil {
			return fmt.Errorf("%w: section %s missing html payload", ErrInvalidSection, s.ID)
		}
	case SectionKindImage:
		if s.Image == nil || strings.TrimSpace(s.Image.Src) == "" {
			return fmt.Errorf("%w: section %s missing image src", ErrInvalidSection, s.ID)
		}
	case SectionKindBackground:
		if s.Background == nil || strings.TrimSpace(s.Background.URL) == "" {
			return fmt.Errorf("%w: section %s missing background url", ErrInvalidSection, s.ID)
		}
	default:
		return fmt.Errorf("%w: section %s has unknown kind %q", ErrInvalidSection, s.ID, s.Kind)
	}
	return nil
}

// Sections is the ordered list of editable regions stored with a page.
type Sections []Section

// Validate checks every section and rejects duplicate ids.
func (s Sections) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, section := range s {
		if err := section.Validate(); err != nil {
			return err
		}
		if _, ok := seen[section.ID]; ok {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidSection, section.ID)
		}
		seen[section.ID] = struct{}{}
	}
	return nil
}

// Find returns the section with the provided id.
func (s Sections) Find(id string) (Section, bool) {
	for _, section := range s {
		if section.ID == id {
			return section, true
		}
	}
	return Section{}, false
}

// Merge applies submitted sections onto the stored ones by id.
// The stored selector and kind always win; a submitted kind that disagrees is rejected.
func (s Sections) Merge(submitted Sections) (merged Sections, applied Sections, err error) {
	merged = make(Sections, len(s))
	copy(merged, s)
	applied = make(Sections, 0, len(submitted))
	seen := make(map[string]struct{}, len(submitted))
	for _, incoming := range submitted {
		if _, duplicate := seen[incoming.ID]; duplicate {
			return nil, nil, fmt.Errorf("%w: section %s submitted more than once", ErrInvalidSection, incoming.ID)
		}
		seen[incoming.ID] = struct{}{}
		index := -1
		for i := range merged {
			if merged[i].ID == incoming.ID {
				index = i
				break
			}
		}
		if index < 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSection, incoming.ID)
		}
		stored := merged[index]
		if incoming.Kind == "" {
			incoming.Kind = stored.Kind
		}
		if incoming.Kind != stored.Kind {
			return nil, nil, fmt.Errorf("%w: section %s is %s, not %s", ErrInvalidSection, incoming.ID, stored.Kind, incoming.Kind)
		}
		incoming.Selector = stored.Selector
		if err := incoming.Validate(); err != nil {
			return nil, nil, err
		}
		merged[index] = incoming
		applied = append(applied, incoming)
	}
	return merged, applied, nil
}

// Value validates and serializes the sections for storage.
func (s Sections) Value() (driver.Value, error) {
	if s == nil {
		s = Sections{}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal([]Section(s))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan decodes and validates stored sections.
func (s *Sections) Scan(value any) error {
	var raw []byte
	switch typed := value.(type) {
	case nil:
		*s = Sections{}
		return nil
	case string:
		raw = []byte(typed)
	case []byte:
		raw = typed
	default:
		return fmt.Errorf("%w: unsupported column type %T", ErrInvalidSection, value)
	}
	var decoded []Section
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSection, err)
	}
	if err := Sections(decoded).Validate(); err != nil {
		return err
	}
	*s = decoded
	return nil
}

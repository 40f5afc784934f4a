// Package manifest loads the YAML page manifest and imports it into the page store.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

// ErrInvalidManifest indicates a manifest that does not describe importable pages.
var ErrInvalidManifest = errors.New("manifest: invalid manifest")

// Manifest lists the editable pages of a site.
type Manifest struct {
	Pages []PageEntry `yaml:"pages"`
}

// PageEntry is one page of the manifest.
type PageEntry struct {
	ID       string         `yaml:"id"`
	File     string         `yaml:"file"`
	Sections pages.Sections `yaml:"sections"`
}

// Load reads and validates the manifest at location.
func Load(fs afero.Fs, location string) (Manifest, error) {
	raw, err := afero.ReadFile(fs, location)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a manifest document. Unknown keys are rejected.
func Parse(raw []byte) (Manifest, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	var manifest Manifest
	if err := decoder.Decode(&manifest); err != nil && !errors.Is(err, io.EOF) {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	for pageIndex := range manifest.Pages {
		for sectionIndex := range manifest.Pages[pageIndex].Sections {
			inferKind(&manifest.Pages[pageIndex].Sections[sectionIndex])
		}
	}
	if err := manifest.Validate(); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// inferKind fills an omitted kind from the populated payload.
func inferKind(section *pages.Section) {
	if section.Kind != "" {
		if kind, err := pages.ParseSectionKind(string(section.Kind)); err == nil {
			section.Kind = kind
		}
		return
	}
	switch {
	case section.Text != nil:
		section.Kind = pages.SectionKindText
	case section.HTML != nil:
		section.Kind = pages.SectionKindHTML
	case section.Image != nil:
		section.Kind = pages.SectionKindImage
	case section.Background != nil:
		section.Kind = pages.SectionKindBackground
	}
}

// Validate checks ids, file paths and sections, and rejects duplicate pages or files.
func (m Manifest) Validate() error {
	if len(m.Pages) == 0 {
		return fmt.Errorf("%w: no pages", ErrInvalidManifest)
	}
	ids := make(map[string]struct{}, len(m.Pages))
	files := make(map[string]struct{}, len(m.Pages))
	for index, entry := range m.Pages {
		pageID, err := pages.NewPageID(entry.ID)
		if err != nil {
			return fmt.Errorf("%w: page %d: %v", ErrInvalidManifest, index, err)
		}
		filePath, err := pages.CleanFilePath(entry.File)
		if err != nil {
			return fmt.Errorf("%w: page %s: %v", ErrInvalidManifest, pageID, err)
		}
		if len(entry.Sections) == 0 {
			return fmt.Errorf("%w: page %s has no sections", ErrInvalidManifest, pageID)
		}
		for _, section := range entry.Sections {
			if section.Selector == "" {
				return fmt.Errorf("%w: page %s section %s has no selector", ErrInvalidManifest, pageID, section.ID)
			}
		}
		if err := entry.Sections.Validate(); err != nil {
			return fmt.Errorf("%w: page %s: %v", ErrInvalidManifest, pageID, err)
		}
		if _, seen := ids[pageID.String()]; seen {
			return fmt.Errorf("%w: duplicate page id %s", ErrInvalidManifest, pageID)
		}
		if _, seen := files[filePath]; seen {
			return fmt.Errorf("%w: duplicate file %s", ErrInvalidManifest, filePath)
		}
		ids[pageID.String()] = struct{}{}
		files[filePath] = struct{}{}
	}
	return nil
}

package manifest

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pagesync/internal/filesync"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
	"github.com/MarcoPoloResearchLab/pagesync/internal/versions"
)

const (
	opImport = "manifest.import"

	reasonMissingDependency = "missing_dependency"
)

var errMissingDependency = errors.New("importer dependency is required")

// Store is the page persistence the importer writes to.
type Store interface {
	GetPage(ctx context.Context, pageID pages.PageID) (pages.Page, error)
	CreatePage(ctx context.Context, page *pages.Page, changedBy, changeNote string) error
	RecordFileHash(ctx context.Context, pageID pages.PageID, fileHash string) error
}

// VersionedUpdater applies a guarded section update.
type VersionedUpdater interface {
	UpdateWithVersion(ctx context.Context, req versions.UpdateRequest, options ...versions.UpdateOption) (int64, error)
}

// ImporterConfig describes the dependencies of an Importer.
type ImporterConfig struct {
	Store   Store
	Updater VersionedUpdater
	// SiteFs is rooted at the site directory.
	SiteFs afero.Fs
	Logger *zap.Logger
}

// Importer registers manifest pages in the page store.
type Importer struct {
	store   Store
	updater VersionedUpdater
	siteFs  afero.Fs
	logger  *zap.Logger
}

// NewImporter validates the configuration.
func NewImporter(cfg ImporterConfig) (*Importer, error) {
	if cfg.Store == nil || cfg.Updater == nil || cfg.SiteFs == nil {
		return nil, pages.NewServiceError("manifest.new_importer", reasonMissingDependency, errMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{store: cfg.Store, updater: cfg.Updater, siteFs: cfg.SiteFs, logger: logger}, nil
}

// ImportOptions controls how existing pages are treated.
type ImportOptions struct {
	// Update replaces the stored sections of pages that already exist.
	Update    bool
	ChangedBy string
}

// ImportReport lists the page ids by outcome.
type ImportReport struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
	Skipped   []string `json:"skipped"`
}

// Import registers every manifest page. Each page file must exist under the site root and every
// selector must resolve in it. New pages start SYNCED with the current file hash. Existing pages
// are skipped unless opts.Update is set, in which case their sections go through the version gate.
func (i *Importer) Import(ctx context.Context, manifest Manifest, opts ImportOptions) (ImportReport, error) {
	if err := manifest.Validate(); err != nil {
		return ImportReport{}, err
	}
	changedBy := opts.ChangedBy
	if changedBy == "" {
		changedBy = "manifest"
	}
	var report ImportReport
	for _, entry := range manifest.Pages {
		pageID, _ := pages.NewPageID(entry.ID)
		filePath, _ := pages.CleanFilePath(entry.File)
		content, err := afero.ReadFile(i.siteFs, filePath)
		if err != nil {
			return report, fmt.Errorf("page %s: read %s: %w", pageID, filePath, err)
		}
		if _, err := filesync.Render(content, entry.Sections); err != nil {
			return report, fmt.Errorf("%w: page %s: %v", ErrInvalidManifest, pageID, err)
		}
		fileHash := filesync.HashContent(content)

		existing, err := i.store.GetPage(ctx, pageID)
		switch {
		case errors.Is(err, pages.ErrPageNotFound):
			page := pages.Page{ID: pageID.String(), FilePath: filePath, Sections: entry.Sections, FileHash: fileHash}
			if err := i.store.CreatePage(ctx, &page, changedBy, "manifest import"); err != nil {
				return report, err
			}
			report.Created = append(report.Created, pageID.String())
			i.logger.Info("page imported", zap.String("operation", opImport), zap.String("page_id", pageID.String()), zap.String("file_path", filePath))
			continue
		case err != nil:
			return report, err
		}

		if !opts.Update {
			report.Skipped = append(report.Skipped, pageID.String())
			continue
		}
		if existing.FilePath != filePath {
			return report, fmt.Errorf("%w: page %s is bound to %s, manifest names %s", ErrInvalidManifest, pageID, existing.FilePath, filePath)
		}
		if reflect.DeepEqual(existing.Sections, entry.Sections) {
			report.Unchanged = append(report.Unchanged, pageID.String())
		} else {
			version, err := i.updater.UpdateWithVersion(ctx, versions.UpdateRequest{
				PageID:          pageID,
				Sections:        entry.Sections,
				ExpectedVersion: existing.Version,
				ChangedBy:       changedBy,
				ChangeNote:      "manifest update",
			})
			if err != nil {
				return report, err
			}
			report.Updated = append(report.Updated, pageID.String())
			i.logger.Info("page sections replaced", zap.String("operation", opImport), zap.String("page_id", pageID.String()), zap.Int64("version", version))
		}
		if err := i.store.RecordFileHash(ctx, pageID, fileHash); err != nil {
			return report, err
		}
	}
	return report, nil
}

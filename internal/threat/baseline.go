package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BaselineSchemaVersion is written into every generated baseline document.
const BaselineSchemaVersion = 1

const (
	defaultBaselineGlob     = "**/*.html"
	defaultBuildConcurrency = 4
	defaultMonitorThreshold = 4
	baselineFilePermissions = 0o644
	baselineDirectoryPerms  = 0o755
)

var (
	// ErrBaselineSchema indicates an unsupported baseline document version.
	ErrBaselineSchema = errors.New("threat: unsupported baseline schema")
	// ErrNoBaselineFiles indicates that the glob matched nothing under the root.
	ErrNoBaselineFiles = errors.New("threat: no files matched")
)

// BaselineRisk classifies a pattern that already exists in trusted content.
type BaselineRisk string

const (
	BaselineRiskSafe      BaselineRisk = "safe"
	BaselineRiskMonitored BaselineRisk = "monitored"
)

// PatternFingerprint is a baseline entry keyed by pattern hash.
type PatternFingerprint struct {
	Type              PatternType  `json:"type"`
	NormalizedPattern string       `json:"normalized_pattern"`
	Hash              string       `json:"hash"`
	ElementSelector   string       `json:"element_selector"`
	AttributeName     string       `json:"attribute_name,omitempty"`
	RiskLevel         BaselineRisk `json:"risk_level"`
	Files             []string     `json:"files"`
}

// Baseline is the immutable fingerprint database of patterns found in the trusted site.
type Baseline struct {
	SchemaVersion int                           `json:"schema_version"`
	GeneratedAt   time.Time                     `json:"generated_at"`
	Root          string                        `json:"root"`
	Files         []string                      `json:"files"`
	Patterns      map[string]PatternFingerprint `json:"patterns"`
}

// EmptyBaseline returns a baseline with no known patterns.
func EmptyBaseline() *Baseline {
	return &Baseline{SchemaVersion: BaselineSchemaVersion, Patterns: map[string]PatternFingerprint{}}
}

// Contains reports whether hash is a known pattern.
func (b *Baseline) Contains(hash string) bool {
	if b == nil {
		return false
	}
	_, ok := b.Patterns[hash]
	return ok
}

// Lookup returns the fingerprint stored for hash.
func (b *Baseline) Lookup(hash string) (PatternFingerprint, bool) {
	if b == nil {
		return PatternFingerprint{}, false
	}
	fingerprint, ok := b.Patterns[hash]
	return fingerprint, ok
}

// BuildConfig configures a baseline scan.
type BuildConfig struct {
	Fs               afero.Fs
	Root             string
	Globs            []string
	MonitorThreshold int
	Concurrency      int
	Clock            func() time.Time
	Logger           *zap.Logger
}

type fileScan struct {
	relative string
	patterns []Pattern
}

// BuildBaseline scans every file under Root matching Globs and fingerprints its patterns.
// Files are parsed concurrently; the merge is ordered by path so the output is deterministic.
func BuildBaseline(ctx context.Context, cfg BuildConfig) (*Baseline, error) {
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	globs := cfg.Globs
	if len(globs) == 0 {
		globs = []string{defaultBaselineGlob}
	}
	monitor := cfg.MonitorThreshold
	if monitor <= 0 {
		monitor = defaultMonitorThreshold
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultBuildConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	files, err := matchFiles(fs, cfg.Root, globs)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s under %s", ErrNoBaselineFiles, strings.Join(globs, ","), cfg.Root)
	}

	scans := make([]fileScan, len(files))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for index, relative := range files {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			content, err := afero.ReadFile(fs, filepath.Join(cfg.Root, filepath.FromSlash(relative)))
			if err != nil {
				return fmt.Errorf("read %s: %w", relative, err)
			}
			patterns, err := ExtractPatterns(string(content))
			if err != nil {
				return fmt.Errorf("extract %s: %w", relative, err)
			}
			scans[index] = fileScan{relative: relative, patterns: patterns}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	baseline := &Baseline{
		SchemaVersion: BaselineSchemaVersion,
		GeneratedAt:   clock().UTC().Truncate(time.Second),
		Root:          cfg.Root,
		Files:         files,
		Patterns:      make(map[string]PatternFingerprint),
	}
	for _, scan := range scans {
		for _, pattern := range scan.patterns {
			fingerprint, exists := baseline.Patterns[pattern.Hash]
			if !exists {
				risk := BaselineRiskSafe
				if intrinsicScore(pattern.Normalized) >= monitor {
					risk = BaselineRiskMonitored
				}
				fingerprint = PatternFingerprint{
					Type:              pattern.Type,
					NormalizedPattern: pattern.Normalized,
					Hash:              pattern.Hash,
					ElementSelector:   pattern.ElementSelector,
					AttributeName:     pattern.AttributeName,
					RiskLevel:         risk,
				}
			}
			if len(fingerprint.Files) == 0 || fingerprint.Files[len(fingerprint.Files)-1] != scan.relative {
				fingerprint.Files = append(fingerprint.Files, scan.relative)
			}
			baseline.Patterns[pattern.Hash] = fingerprint
		}
	}
	logger.Info("baseline built",
		zap.String("root", cfg.Root),
		zap.Int("files", len(files)),
		zap.Int("patterns", len(baseline.Patterns)))
	return baseline, nil
}

func matchFiles(fs afero.Fs, root string, globs []string) ([]string, error) {
	var matched []string
	err := afero.Walk(fs, root, func(current string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		relative, err := filepath.Rel(root, current)
		if err != nil {
			return err
		}
		relative = filepath.ToSlash(relative)
		for _, glob := range globs {
			ok, err := doublestar.Match(glob, relative)
			if err != nil {
				return fmt.Errorf("glob %q: %w", glob, err)
			}
			if ok {
				matched = append(matched, relative)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matched)
	return matched, nil
}

// LoadBaseline reads a baseline document.
func LoadBaseline(fs afero.Fs, location string) (*Baseline, error) {
	content, err := afero.ReadFile(fs, location)
	if err != nil {
		return nil, err
	}
	var baseline Baseline
	if err := json.Unmarshal(content, &baseline); err != nil {
		return nil, fmt.Errorf("decode baseline %s: %w", location, err)
	}
	if baseline.SchemaVersion != BaselineSchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrBaselineSchema, baseline.SchemaVersion)
	}
	if baseline.Patterns == nil {
		baseline.Patterns = map[string]PatternFingerprint{}
	}
	return &baseline, nil
}

// SaveBaseline writes the baseline as indented JSON, replacing any previous document.
func SaveBaseline(fs afero.Fs, location string, baseline *Baseline) error {
	encoded, err := json.MarshalIndent(baseline, "", "  ")
	if err != nil {
		return err
	}
	if dir := path.Dir(filepath.ToSlash(location)); dir != "." && dir != "/" {
		if err := fs.MkdirAll(filepath.FromSlash(dir), baselineDirectoryPerms); err != nil {
			return err
		}
	}
	temporary := location + ".tmp"
	if err := afero.WriteFile(fs, temporary, append(encoded, '\n'), baselineFilePermissions); err != nil {
		return err
	}
	return fs.Rename(temporary, location)
}

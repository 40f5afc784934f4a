package filesync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

// DefaultWatchDebounce groups bursts of writes to the same file.
const DefaultWatchDebounce = 250 * time.Millisecond

// PageLister lists tracked pages.
type PageLister interface {
	ListPages(ctx context.Context) ([]pages.Page, error)
	GetPage(ctx context.Context, pageID pages.PageID) (pages.Page, error)
}

// IntegrityVerifier recomputes a page file hash.
type IntegrityVerifier interface {
	VerifyFileIntegrity(ctx context.Context, pageID pages.PageID) (IntegrityReport, error)
}

// WatcherConfig describes the dependencies of a Watcher.
type WatcherConfig struct {
	// Root is the site directory on the local disk.
	Root       string
	Pages      PageLister
	Verifier   IntegrityVerifier
	Debounce   time.Duration
	OnMismatch func(report IntegrityReport)
	Logger     *zap.Logger
}

// Watcher flags out-of-band modifications of tracked page files.
type Watcher struct {
	root       string
	pages      PageLister
	verifier   IntegrityVerifier
	debounce   time.Duration
	onMismatch func(IntegrityReport)
	logger     *zap.Logger

	watcher *fsnotify.Watcher
	tracked map[string]string
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewWatcher validates the configuration.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Root == "" || cfg.Pages == nil || cfg.Verifier == nil {
		return nil, errors.New("filesync: watcher requires root, pages and verifier")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		root:       cfg.Root,
		pages:      cfg.Pages,
		verifier:   cfg.Verifier,
		debounce:   debounce,
		onMismatch: cfg.OnMismatch,
		logger:     logger,
		tracked:    make(map[string]string),
		done:       make(chan struct{}),
	}, nil
}

// Start registers the directory of every tracked page and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	list, err := w.pages.ListPages(ctx)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	directories := make(map[string]struct{})
	for _, page := range list {
		relative, err := pages.CleanFilePath(page.FilePath)
		if err != nil {
			w.logger.Warn("skipping untrackable page file", zap.String("page_id", page.ID), zap.Error(err))
			continue
		}
		absolute := filepath.Join(w.root, filepath.FromSlash(relative))
		w.tracked[absolute] = page.ID
		directories[filepath.Dir(absolute)] = struct{}{}
	}
	for directory := range directories {
		if err := fsw.Add(directory); err != nil {
			_ = fsw.Close()
			return err
		}
	}
	w.watcher = fsw
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.loop(loopCtx)
	w.logger.Info("integrity watcher started", zap.Int("files", len(w.tracked)), zap.Int("directories", len(directories)))
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		if w.watcher == nil {
			close(w.done)
			return
		}
		w.cancel()
		_ = w.watcher.Close()
		<-w.done
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, tracked := w.tracked[filepath.Clean(event.Name)]; !tracked {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				pending[filepath.Clean(event.Name)] = time.Now()
			}
		case <-ticker.C:
			now := time.Now()
			for file, seen := range pending {
				if now.Sub(seen) >= w.debounce {
					delete(pending, file)
					w.check(ctx, w.tracked[file])
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("integrity watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) check(ctx context.Context, pageID string) {
	page, err := w.pages.GetPage(ctx, pages.PageID(pageID))
	if err != nil {
		w.logger.Warn("integrity check skipped", zap.String("page_id", pageID), zap.Error(err))
		return
	}
	if page.SyncStatus == pages.SyncStateInProgress {
		return
	}
	report, err := w.verifier.VerifyFileIntegrity(ctx, pages.PageID(pageID))
	var integrityErr *IntegrityError
	switch {
	case errors.As(err, &integrityErr):
		w.logger.Warn("page file modified out of band",
			zap.String("page_id", pageID),
			zap.String("file_path", integrityErr.FilePath),
			zap.String("stored_hash", integrityErr.Expected),
			zap.String("actual_hash", integrityErr.Actual))
		if w.onMismatch != nil {
			w.onMismatch(report)
		}
	case err != nil:
		w.logger.Warn("integrity check failed", zap.String("page_id", pageID), zap.Error(err))
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/pagesync/internal/auth"
	"github.com/MarcoPoloResearchLab/pagesync/internal/filesync"
	"github.com/MarcoPoloResearchLab/pagesync/internal/manifest"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
	"github.com/MarcoPoloResearchLab/pagesync/internal/queue"
	"github.com/MarcoPoloResearchLab/pagesync/internal/server"
	"github.com/MarcoPoloResearchLab/pagesync/internal/threat"
)

const httpShutdownTimeout = 10 * time.Second

// errIntegrityMismatch is returned by verify when any page file differs from its stored hash.
var errIntegrityMismatch = errors.New("one or more page files were modified out of band")

func newServeCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the retry worker and lock sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), state)
		},
	}
}

func runServe(ctx context.Context, state *cli) error {
	appConfig, err := state.load()
	if err != nil {
		return err
	}
	if err := appConfig.RequireSession(); err != nil {
		return err
	}
	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := openApplication(appConfig, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	sessions, err := auth.NewSessions(auth.SessionConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	var worker *queue.Worker
	var health server.HealthReporter
	if appConfig.Worker.Enabled {
		worker, err = newWorker(app)
		if err != nil {
			return err
		}
		health = worker
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Pages:          app.repo,
		Locks:          app.locks,
		Editing:        app.editing,
		Integrity:      app.synchronizer,
		Sessions:       sessions,
		Realtime:       app.dispatcher,
		Health:         health,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if worker != nil {
		if err := worker.Start(signalCtx); err != nil {
			return err
		}
		defer func() {
			if err := worker.Stop(); err != nil {
				logger.Warn("retry worker stopped with pending jobs", zap.Error(err))
			}
		}()
	}
	if appConfig.Site.Watch {
		watcher, err := newWatcher(app)
		if err != nil {
			return err
		}
		if err := watcher.Start(signalCtx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		app.locks.RunSweeper(groupCtx, appConfig.Locks.SweepInterval)
		return nil
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func newWorkerCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the retry queue worker and lock sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := state.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(appConfig)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := openApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			worker, err := newWorker(app)
			if err != nil {
				return err
			}
			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := worker.Start(signalCtx); err != nil {
				return err
			}
			logger.Info("retry worker running", zap.Duration("poll_interval", appConfig.Worker.PollInterval))
			app.locks.RunSweeper(signalCtx, appConfig.Locks.SweepInterval)
			<-signalCtx.Done()
			return worker.Stop()
		},
	}
}

func newWorker(app *application) (*queue.Worker, error) {
	cfg := app.config.Worker
	return queue.NewWorker(queue.Config{
		Store:           app.repo,
		Processor:       app.synchronizer,
		PollInterval:    cfg.PollInterval,
		BatchSize:       cfg.BatchSize,
		RetryDelay:      cfg.RetryDelay,
		Retention:       cfg.Retention,
		CleanupInterval: cfg.CleanupInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
		AbandonAfter:    cfg.AbandonAfter,
		Logger:          app.logger,
	})
}

func newWatcher(app *application) (*filesync.Watcher, error) {
	return filesync.NewWatcher(filesync.WatcherConfig{
		Root:     app.config.Site.Root,
		Pages:    app.repo,
		Verifier: app.synchronizer,
		Debounce: app.config.Site.WatchDebounce,
		OnMismatch: func(report filesync.IntegrityReport) {
			app.logger.Warn("page file modified out of band",
				zap.String("page_id", report.PageID),
				zap.String("file_path", report.FilePath),
				zap.String("stored_hash", report.StoredHash),
				zap.String("actual_hash", report.ActualHash))
		},
		Logger: app.logger,
	})
}

func newBaselineCommand(state *cli) *cobra.Command {
	baselineCmd := &cobra.Command{
		Use:   "baseline",
		Short: "Manage the threat validator baseline",
	}

	var root, out string
	var globs []string
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Fingerprint the patterns of the trusted site into a baseline file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root != "" {
				state.viper.Set("site.root", root)
			}
			appConfig, err := state.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(appConfig)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if out == "" {
				out = appConfig.Validator.BaselinePath
			}
			osFs := afero.NewOsFs()
			baseline, err := threat.BuildBaseline(cmd.Context(), threat.BuildConfig{
				Fs:               osFs,
				Root:             appConfig.Site.Root,
				Globs:            globs,
				MonitorThreshold: appConfig.Validator.MonitorThreshold,
				Logger:           logger,
			})
			if err != nil {
				return err
			}
			if err := threat.SaveBaseline(osFs, out, baseline); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "baseline written to %s: %d files, %d patterns\n", out, len(baseline.Files), len(baseline.Patterns))
			return nil
		},
	}
	buildCmd.Flags().StringVar(&root, "root", "", "Site directory to scan (defaults to site.root)")
	buildCmd.Flags().StringSliceVar(&globs, "glob", nil, "File glob relative to the root, repeatable (default **/*.html)")
	buildCmd.Flags().StringVar(&out, "out", "", "Baseline output path (defaults to validator.baseline_path)")

	baselineCmd.AddCommand(buildCmd)
	return baselineCmd
}

func newImportCommand(state *cli) *cobra.Command {
	var manifestPath, changedBy string
	var update bool
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Register the pages listed in a YAML manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := state.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(appConfig)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := openApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			loaded, err := manifest.Load(afero.NewOsFs(), manifestPath)
			if err != nil {
				return err
			}
			importer, err := manifest.NewImporter(manifest.ImporterConfig{
				Store:   app.repo,
				Updater: app.gate,
				SiteFs:  app.siteFs,
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			report, err := importer.Import(cmd.Context(), loaded, manifest.ImportOptions{Update: update, ChangedBy: changedBy})
			if err != nil {
				return err
			}
			return writeJSON(cmd, report)
		},
	}
	importCmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to the YAML page manifest")
	importCmd.Flags().BoolVar(&update, "update", false, "Replace the sections of pages that already exist")
	importCmd.Flags().StringVar(&changedBy, "changed-by", "", "Editor recorded in the version history")
	_ = importCmd.MarkFlagRequired("manifest")
	return importCmd
}

func newVerifyCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [page-id...]",
		Short: "Compare stored file hashes with the page files on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := state.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(appConfig)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := openApplication(appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			pageIDs, err := verifyTargets(cmd.Context(), app, args)
			if err != nil {
				return err
			}
			reports := make([]filesync.IntegrityReport, 0, len(pageIDs))
			mismatched := false
			for _, pageID := range pageIDs {
				report, err := app.synchronizer.VerifyFileIntegrity(cmd.Context(), pageID)
				var mismatch *filesync.IntegrityError
				switch {
				case errors.As(err, &mismatch):
					mismatched = true
				case err != nil:
					return fmt.Errorf("verify %s: %w", pageID, err)
				}
				reports = append(reports, report)
			}
			if err := writeJSON(cmd, reports); err != nil {
				return err
			}
			if mismatched {
				return errIntegrityMismatch
			}
			return nil
		},
	}
}

func verifyTargets(ctx context.Context, app *application, args []string) ([]pages.PageID, error) {
	if len(args) > 0 {
		pageIDs := make([]pages.PageID, 0, len(args))
		for _, raw := range args {
			pageID, err := pages.NewPageID(raw)
			if err != nil {
				return nil, err
			}
			pageIDs = append(pageIDs, pageID)
		}
		return pageIDs, nil
	}
	records, err := app.repo.ListPages(ctx)
	if err != nil {
		return nil, err
	}
	pageIDs := make([]pages.PageID, 0, len(records))
	for _, page := range records {
		pageIDs = append(pageIDs, pages.PageID(page.ID))
	}
	return pageIDs, nil
}

func newTokenCommand(state *cli) *cobra.Command {
	var editor, email, displayName string
	var ttl time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an editor session token for scripts and local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := state.load()
			if err != nil {
				return err
			}
			if err := appConfig.RequireSession(); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningKey),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueEditorToken(cmd.Context(), auth.EditorIdentity{
				UserID:      editor,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"token":       token,
				"cookie_name": appConfig.SessionCookieName,
				"expires_at":  expiresAt,
			})
		},
	}
	tokenCmd.Flags().StringVar(&editor, "editor", "", "Editor user id")
	tokenCmd.Flags().StringVar(&email, "email", "", "Editor email")
	tokenCmd.Flags().StringVar(&displayName, "name", "", "Editor display name")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default 8h)")
	_ = tokenCmd.MarkFlagRequired("editor")
	return tokenCmd
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yokitheyo/qms-uploader/internal/api"
	"github.com/yokitheyo/qms-uploader/internal/logging"
	"github.com/yokitheyo/qms-uploader/internal/model"
	"github.com/yokitheyo/qms-uploader/internal/service"
	"github.com/yokitheyo/qms-uploader/internal/staging"
	"github.com/yokitheyo/qms-uploader/internal/uploadqueue"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload queue behind an HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.Logging.File, cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer logger.Close()

			store, err := staging.New(cfg.Staging.Dir)
			if err != nil {
				return err
			}

			client := service.NewClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout, logger.With("component", "client"))
			queue := uploadqueue.New(client, client, queueOptions(cfg, logger.With("component", "queue")))
			defer queue.Close()
			queue.Subscribe(removeStagedFiles(store, logger))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go cleanupLoop(ctx, store, queue, cfg.Staging.Retention, logger)

			gin.SetMode(gin.ReleaseMode)
			r := gin.New()
			r.Use(gin.Recovery(), requestLogger(logger))
			api.RegisterHandlers(r, &api.APIHandler{
				Queue:     queue,
				Validator: service.NewValidator(cfg.Files.AllowedContentTypes, cfg.Files.AllowedExtensions, cfg.MaxFileSize()),
				Staging:   store,
				Logger:    logger,
			})

			srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: r}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", "addr", srv.Addr, "backend", cfg.Backend.BaseURL)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server: %w", err)
				}
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("server shutdown failed", "error", err)
				}
			}
			return nil
		},
	}
}

// removeStagedFiles deletes a staged copy once its item can no longer be
// uploaded again. Failed items keep theirs for RetryFailed.
func removeStagedFiles(store *staging.Store, logger *logging.Logger) func(uploadqueue.Event) {
	return func(ev uploadqueue.Event) {
		done := ev.Type == uploadqueue.EventItemRemoved ||
			(ev.Type == uploadqueue.EventStateChanged && ev.Item.State == model.StateCompleted)
		if !done || ev.Item.File.Path == "" {
			return
		}
		if err := store.Remove(ev.Item.File.Path); err != nil {
			logger.WithItem(ev.Item.ID).Warn("failed to remove staged file", "error", err)
		}
	}
}

func cleanupLoop(ctx context.Context, store *staging.Store, queue *uploadqueue.Manager, retention time.Duration, logger *logging.Logger) {
	store.CleanOld(retention, referencedBy(queue), logger)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.CleanOld(retention, referencedBy(queue), logger)
		}
	}
}

// referencedBy reports the staged files that items in the queue still point
// at, however long they have been waiting.
func referencedBy(queue *uploadqueue.Manager) func(path string) bool {
	snap := queue.Snapshot()
	paths := make(map[string]bool, len(snap.Items)+len(snap.Completed))
	for _, list := range [][]model.UploadItem{snap.Items, snap.Completed} {
		for _, it := range list {
			if it.File.Path != "" {
				paths[filepath.Clean(it.File.Path)] = true
			}
		}
	}
	return func(path string) bool { return paths[filepath.Clean(path)] }
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yokitheyo/qms-uploader/internal/logging"
	"github.com/yokitheyo/qms-uploader/internal/model"
	"github.com/yokitheyo/qms-uploader/internal/service"
	"github.com/yokitheyo/qms-uploader/internal/uploadqueue"
)

var errUploadsFailed = errors.New("some uploads failed")

func newPushCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "push <file>...",
		Short: "Upload files and wait until the backend has processed them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.Logging.File, cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer logger.Close()

			validator := service.NewValidator(cfg.Files.AllowedContentTypes, cfg.Files.AllowedExtensions, cfg.MaxFileSize())
			var files []model.FileRef
			var invalid []error
			for _, path := range args {
				ref, err := validator.ValidateFile(path)
				if err != nil {
					invalid = append(invalid, err)
					continue
				}
				files = append(files, ref)
			}
			if len(invalid) > 0 {
				return errors.Join(invalid...)
			}

			client := service.NewClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout, logger.With("component", "client"))
			opts := queueOptions(cfg, logger.With("component", "queue"))
			// the summary lists every file, however many completed
			opts.CompletedLimit = -1
			queue := uploadqueue.New(client, client, opts)
			defer queue.Close()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			queue.Subscribe(func(ev uploadqueue.Event) {
				mu.Lock()
				defer mu.Unlock()
				switch {
				case ev.Type == uploadqueue.EventRetryScheduled:
					fmt.Fprintf(out, "%s: retry %d/%d after error: %s\n", ev.Item.File.Name, ev.Item.RetryAttempts, cfg.Queue.MaxRetries, ev.Error)
				case ev.Type == uploadqueue.EventStateChanged && ev.Item.IsTerminal():
					fmt.Fprintf(out, "%s: %s\n", ev.Item.File.Name, ev.Item.State)
				}
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			queue.AddFiles(files)
			queue.Start()
			if err := queue.Wait(ctx); err != nil {
				return fmt.Errorf("interrupted: %w", err)
			}
			// attempt goroutines may still be delivering their last event
			queue.Close()

			return printSummary(cmd, queue.Snapshot())
		},
	}
}

func printSummary(cmd *cobra.Command, snap model.Snapshot) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSTATE\tRETRIES\tDETAIL")

	failed := 0
	for _, it := range snap.Completed {
		detail := it.RemoteTaskID
		if it.Result != nil && it.Result.DocumentID != "" {
			detail = "document " + it.Result.DocumentID
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", it.File.Name, it.State, it.RetryAttempts, detail)
	}
	for _, it := range snap.Items {
		if it.State == model.StateFailed {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", it.File.Name, it.State, it.RetryAttempts, it.LastError)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errUploadsFailed, failed, failed+len(snap.Completed))
	}
	return nil
}

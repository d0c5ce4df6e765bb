package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-resize/pkg/simpleresize"
	"github.com/tendant/simple-resize/pkg/simpleresize/config"
	errorsinkmemory "github.com/tendant/simple-resize/pkg/simpleresize/errorsink/memory"
	notifymemory "github.com/tendant/simple-resize/pkg/simpleresize/notify/memory"
	queuememory "github.com/tendant/simple-resize/pkg/simpleresize/queue/memory"
)

const localBucket = "local"

// NewProcessCommand resizes local files through the same pipeline the
// service runs, with an in-memory queue in front of it
func NewProcessCommand() *cobra.Command {
	var (
		outDir  string
		width   int
		height  int
		format  string
		quality int
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "process <file>...",
		Short: "Resize local image files into an output directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := filepath.Abs(outDir)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			base, err := config.Load(config.WithEnv())
			if err != nil {
				return err
			}
			if width == 0 {
				width = base.MaxWidth
			}
			if height == 0 {
				height = base.MaxHeight
			}
			if format == "" {
				format = base.OutputFormat
			}
			if quality == 0 {
				quality = base.Quality
			}

			cfg, err := config.Load(
				config.WithEnv(),
				config.WithStorage("memory://"+localBucket, "file://"+filepath.ToSlash(out)+"?bucket=resized"),
				config.WithQueue("memory://"),
				config.WithNotify("memory://"),
				config.WithErrorSink("memory://"),
				config.WithDedupe("none", base.DedupeTTL),
				config.WithDeleteSource(false),
				config.WithResize(width, height, format, quality),
			)
			if err != nil {
				return err
			}

			level := "warn"
			if verbose {
				level = "debug"
			}
			logger := newLogger(cmd.ErrOrStderr(), level, "text")

			return processFiles(cmd.Context(), cfg, logger, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "resized", "output directory")
	cmd.Flags().IntVar(&width, "max-width", 0, "maximum width (default MAX_WIDTH)")
	cmd.Flags().IntVar(&height, "max-height", 0, "maximum height (default MAX_HEIGHT)")
	cmd.Flags().StringVar(&format, "format", "", "output format (default OUTPUT_FORMAT)")
	cmd.Flags().IntVar(&quality, "quality", 0, "JPEG quality (default QUALITY)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	return cmd
}

func processFiles(ctx context.Context, cfg *config.Config, logger *slog.Logger, files []string, w io.Writer) error {
	rt, err := cfg.Build(ctx, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	queue, ok := rt.Queue.(*queuememory.Queue)
	if !ok {
		return fmt.Errorf("process needs the in-memory queue")
	}

	keys := sourceKeys(files)
	for i, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		key := keys[i]
		if err := rt.Source.Put(ctx, key, data, ""); err != nil {
			return err
		}
		body, err := simpleresize.NewNotification(localBucket, key, int64(len(data)), "", time.Now())
		if err != nil {
			return err
		}
		if _, err := queue.Send(ctx, body); err != nil {
			return err
		}
	}

	if err := rt.Runner.Drain(ctx); err != nil {
		return err
	}

	if publisher, ok := rt.Publisher.(*notifymemory.Publisher); ok {
		for _, event := range publisher.Events() {
			fmt.Fprintf(w, "%s -> %s (%dx%d)\n", event.SourceKey, event.DerivedLocator, event.Width, event.Height)
		}
	}

	var failed int
	if sink, ok := rt.ErrorSink.(*errorsinkmemory.Sink); ok {
		for _, record := range sink.Records() {
			// dead-lettered messages are counted from the queue below
			if !record.DeadLettered {
				failed++
			}
			fmt.Fprintf(w, "%s: %s: %s\n", record.SourceKey, record.FailureKind, record.Message)
		}
	}
	for _, dead := range queue.Dead() {
		failed++
		fmt.Fprintf(w, "message %s dead-lettered: %s\n", dead.MessageID, dead.Reason)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

// sourceKeys names each input by its base name, numbering repeats so two
// inputs never share a key
func sourceKeys(files []string) []string {
	used := make(map[string]bool, len(files))
	keys := make([]string, len(files))
	for i, file := range files {
		key := filepath.Base(file)
		ext := filepath.Ext(key)
		stem := strings.TrimSuffix(key, ext)
		for n := 2; used[key]; n++ {
			key = fmt.Sprintf("%s-%d%s", stem, n, ext)
		}
		used[key] = true
		keys[i] = key
	}
	return keys
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/analytics"
	"github.com/bitrise-io/go-chunkupload/internal/multierror"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-chunkupload/upload/chunker"
	"github.com/bitrise-io/go-chunkupload/upload/hasher"
	"github.com/bitrise-io/go-chunkupload/upload/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
)

func uploadCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "room-id", Usage: "Room the uploaded files belong to", Required: true},
		&cli.StringSliceFlag{Name: "file", Aliases: []string{"f"}, Usage: "File path or glob pattern, can be repeated", Required: true},
		&cli.IntFlag{Name: "resume-attempts", Value: 1, Usage: "Times a failed file upload is resumed in the same run"},
		&cli.BoolFlag{Name: "analytics", Usage: "Send upload analytics events"},
	}

	return &cli.Command{
		Name:   "upload",
		Usage:  "Upload files to a room in resumable chunks",
		Flags:  append(flags, configFlags()...),
		Action: uploadAction,
	}
}

func uploadAction(c *cli.Context) error {
	logger := log.NewLogger()
	logger.EnableDebugLog(c.Bool("verbose"))
	envRepo := env.NewRepository()

	config, err := loadConfig(c, envRepo)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid configuration: %s", err), 1)
	}
	config.Print(logger)
	logger.Println()

	resumeAttempts := c.Int("resume-attempts")
	if resumeAttempts < 0 {
		return cli.Exit("--resume-attempts must not be negative", 1)
	}

	files, err := newFileResolver(logger).resolve(c.StringSlice("file"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	session, err := config.NewSession(c.Context, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to create upload session client: %s", err), 1)
	}

	options := config.Options()
	if c.Bool("analytics") {
		tracker, err := analytics.NewDefaultUploadTracker(envRepo, logger)
		if err != nil {
			logger.Warnf("Analytics disabled: %s", err)
		} else {
			options.Tracker = tracker
			defer tracker.Wait()
		}
	}

	uploader, err := upload.NewUploader(session, options, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	abort := chunkuploader.NewAbort()
	stop := abortOnInterrupt(abort, logger)
	defer stop()

	roomID := c.String("room-id")
	var errs multierror.Error
	for _, path := range files {
		if abort.Aborted() {
			break
		}

		logger.Println()
		logger.Infof("Uploading %s", path)
		err := uploadFile(c.Context, uploader, path, roomID, abort, resumeAttempts, logger)
		if errors.Is(err, upload.ErrAborted) {
			logger.Warnf("Upload aborted, the remaining files are skipped")
			break
		}
		if err != nil {
			logger.Errorf("Failed to upload %s: %s", path, err)
			multierror.Append(&errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	if errs.ErrorOrNil() != nil {
		return cli.Exit(fmt.Sprintf("%d of %d files failed to upload", len(errs), len(files)), 1)
	}
	return nil
}

// uploadFile uploads a file, resuming a failed upload at most resumeAttempts times.
func uploadFile(ctx context.Context, uploader *upload.Uploader, path, roomID string, abort *chunkuploader.Abort, resumeAttempts int, logger log.Logger) error {
	src, err := chunker.OpenFile(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	for attempt := 0; ; attempt++ {
		result, err := uploader.Upload(ctx, upload.Input{
			Source:   src,
			RoomID:   roomID,
			Abort:    abort,
			Observer: newProgressPrinter(logger),
		})
		if err == nil {
			logger.Donef("Uploaded %s (%s): %s", src.Name(), units.HumanSizeWithPrecision(float64(src.Size()), 3), resultLocation(result))
			return nil
		}

		if errors.Is(err, upload.ErrAborted) || errors.Is(err, hasher.ErrUnreadable) || ctx.Err() != nil || attempt >= resumeAttempts {
			return err
		}
		logger.Warnf("Upload failed at %d%%, resuming: %s", result.Progress.Percent, err)
	}
}

func resultLocation(result upload.Result) string {
	switch {
	case result.Record.FileURL != "":
		return result.Record.FileURL
	case result.Record.Path != "":
		return result.Record.Path
	default:
		return result.UploadID
	}
}

// abortOnInterrupt sets abort on the first interrupt, the running chunk uploads still finish.
func abortOnInterrupt(abort *chunkuploader.Abort, logger log.Logger) func() {
	signals := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-signals:
			logger.Warnf("Interrupted, waiting for the running chunk uploads to finish")
			abort.Abort()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}

// progressPrinter logs the state changes and every 10% of upload progress.
type progressPrinter struct {
	logger      log.Logger
	lastPercent int
}

func newProgressPrinter(logger log.Logger) *progressPrinter {
	return &progressPrinter{logger: logger, lastPercent: -1}
}

func (p *progressPrinter) OnState(state upload.State) {
	p.logger.Debugf("Upload state: %s", state)
}

func (p *progressPrinter) OnHashProgress(progress hasher.Progress) {
	p.logger.Debugf("%s", progress.Step)
}

func (p *progressPrinter) OnProgress(progress upload.Progress) {
	if p.lastPercent >= 0 && progress.Percent < 100 && progress.Percent-p.lastPercent < 10 {
		return
	}
	p.lastPercent = progress.Percent
	p.logger.Printf("%3d%% (%s / %s)", progress.Percent,
		units.HumanSizeWithPrecision(float64(progress.UploadedBytes), 3),
		units.HumanSizeWithPrecision(float64(progress.TotalBytes), 3))
}

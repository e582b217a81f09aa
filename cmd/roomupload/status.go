package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// statusOutput is the printed form of an upload session.
type statusOutput struct {
	UploadID     string `json:"uploadId" yaml:"upload_id"`
	Status       string `json:"status,omitempty" yaml:"status,omitempty"`
	Chunks       []int  `json:"chunks" yaml:"chunks"`
	UploadedSize int64  `json:"uploadedSize" yaml:"uploaded_size"`
}

func statusCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "upload-id", Usage: "Upload session to query", Required: true},
		&cli.StringFlag{Name: "format", Value: "yaml", Usage: "Output format: yaml, json"},
	}

	return &cli.Command{
		Name:   "status",
		Usage:  "Show the chunks an upload session already stores (http backend only)",
		Flags:  append(flags, configFlags()...),
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	logger := log.NewLogger()
	logger.EnableDebugLog(c.Bool("verbose"))

	config, err := loadConfig(c, env.NewRepository())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid configuration: %s", err), 1)
	}
	if config.Backend == upload.BackendS3 {
		return cli.Exit("The status command is not available for the s3 backend: s3 upload sessions are only known to the upload run that created them", 1)
	}

	session, err := config.NewSession(c.Context, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to create upload session client: %s", err), 1)
	}

	uploadID := c.String("upload-id")
	status, err := session.Status(c.Context, uploadID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get upload status: %s", err), 1)
	}

	out := statusOutput{
		UploadID:     uploadID,
		Status:       status.Status,
		Chunks:       status.Chunks,
		UploadedSize: status.UploadedSize,
	}
	if out.Chunks == nil {
		out.Chunks = []int{}
	}
	return writeStatus(c.App.Writer, c.String("format"), out)
}

func writeStatus(w io.Writer, format string, out statusOutput) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(out); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return cli.Exit(fmt.Sprintf("unknown output format: %s", format), 1)
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status_cmd.go - Backend status check.
//
// Command: status
// Short:   Check the backend and show the chatflow's capabilities

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatwidget/internal/config"
	"github.com/jeranaias/chatwidget/internal/logging"
	"github.com/jeranaias/chatwidget/internal/transport"
)

// StatusReport is what the status command found out.
type StatusReport struct {
	APIHost         string   `json:"api_host"`
	ChatflowID      string   `json:"chatflow_id"`
	Reachable       bool     `json:"reachable"`
	Latency         string   `json:"latency,omitempty"`
	Streaming       bool     `json:"streaming"`
	FeedbackEnabled bool     `json:"feedback_enabled"`
	LeadsEnabled    bool     `json:"leads_enabled"`
	ImageUploads    bool     `json:"image_uploads"`
	FileUploads     bool     `json:"file_uploads"`
	StarterPrompts  []string `json:"starter_prompts,omitempty"`
	Storage         string   `json:"storage"`
	SavedMessages   int      `json:"saved_messages"`
	Error           string   `json:"error,omitempty"`
}

// statusChecker is the subset of the backend client the status check uses.
type statusChecker interface {
	StreamingAvailable(ctx context.Context) (bool, error)
	ChatbotConfig(ctx context.Context) (*transport.ChatbotConfig, error)
}

func newStatusCommand(opts *GlobalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the backend and show the chatflow's capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), opts, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "status check timeout")
	return cmd
}

func runStatus(ctx context.Context, opts *GlobalOptions, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := requireChatflow(cfg); err != nil {
		return err
	}
	logFile, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := newClient(cfg, logging.Component("transport"))
	report := checkBackend(ctx, client, cfg)

	if store, err := openStore(ctx, cfg); err == nil {
		if rec, err := store.Load(ctx, cfg.Widget.ChatflowID); err == nil {
			report.SavedMessages = len(rec.ChatHistory)
		}
		store.Close()
	}

	return OutputJSON(opts.JSON, "status", func() (any, error) {
		if !opts.JSON {
			writeStatus(os.Stdout, report)
		}
		return report, nil
	})
}

// checkBackend asks the backend for streaming support and the chatbot config.
func checkBackend(ctx context.Context, p statusChecker, cfg *config.Config) StatusReport {
	report := StatusReport{
		APIHost:    cfg.Widget.APIHost,
		ChatflowID: cfg.Widget.ChatflowID,
		Storage:    cfg.Storage.Backend,
	}

	start := time.Now()
	streaming, err := p.StreamingAvailable(ctx)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Reachable = true
	report.Latency = formatDurationShort(time.Since(start))
	report.Streaming = streaming

	chatbot, err := p.ChatbotConfig(ctx)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	if chatbot != nil {
		report.FeedbackEnabled = chatbot.FeedbackEnabled()
		report.LeadsEnabled = chatbot.LeadsEnabled()
		report.StarterPrompts = chatbot.Prompts()
		if chatbot.Uploads != nil {
			report.ImageUploads = chatbot.Uploads.IsImageUploadAllowed
			report.FileUploads = chatbot.Uploads.IsRAGFileUploadAllowed
		}
	}
	return report
}

func writeStatus(w io.Writer, r StatusReport) {
	fmt.Fprintln(w, TitleStyle.Render("Backend status"))
	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", RenderLabel(label), value)
	}
	row("API host:", r.APIHost)
	row("Chatflow:", r.ChatflowID)
	if !r.Reachable {
		row("Reachable:", RenderStatus("fail"))
		if r.Error != "" {
			row("Error:", ErrorStyle.Render(r.Error))
		}
		return
	}
	row("Reachable:", RenderStatus("ok")+" "+DimStyle.Render(r.Latency))
	row("Streaming:", RenderStatus(onOff(r.Streaming)))
	row("Feedback:", RenderStatus(onOff(r.FeedbackEnabled)))
	row("Lead form:", RenderStatus(onOff(r.LeadsEnabled)))
	row("Image uploads:", RenderStatus(onOff(r.ImageUploads)))
	row("File uploads:", RenderStatus(onOff(r.FileUploads)))
	row("Storage:", fmt.Sprintf("%s (%s saved messages)", r.Storage, formatNumber(r.SavedMessages)))
	if len(r.StarterPrompts) > 0 {
		fmt.Fprintln(w, SectionStyle.Render("Starter prompts"))
		for _, p := range r.StarterPrompts {
			fmt.Fprintln(w, "  • "+p)
		}
	}
	if r.Error != "" {
		row("Warning:", WarningStyle.Render(r.Error))
	}
}

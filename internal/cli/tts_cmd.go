// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// tts_cmd.go - Text-to-speech command.
//
// Command: tts
// Short:   Synthesize an answer and save the audio
//
// Examples:
//   chatwidget tts                          Speak the last saved answer
//   chatwidget tts --text "Привет" -o hi    Speak arbitrary text
//   chatwidget tts --message ID -o a.mp3    Speak one saved answer

package cli

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatwidget/internal/logging"
	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/transport"
	"github.com/jeranaias/chatwidget/internal/util"
)

type ttsOptions struct {
	messageID string
	text      string
	output    string
}

func newTTSCommand(opts *GlobalOptions) *cobra.Command {
	to := &ttsOptions{}
	cmd := &cobra.Command{
		Use:   "tts",
		Short: "Synthesize an answer and save the audio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTTS(cmd.Context(), opts, to)
		},
	}
	cmd.Flags().StringVar(&to.messageID, "message", "", "saved answer to speak (default: the last one)")
	cmd.Flags().StringVar(&to.text, "text", "", "speak this text instead of a saved answer")
	cmd.Flags().StringVarP(&to.output, "output", "o", "speech", "output file; the extension follows the audio type when omitted")
	return cmd
}

func runTTS(ctx context.Context, opts *GlobalOptions, to *ttsOptions) error {
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

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	rec, err := store.Load(ctx, cfg.Widget.ChatflowID)
	store.Close()
	if err != nil {
		return err
	}

	req := transport.SpeechRequest{
		ChatID:     rec.ChatID,
		ChatflowID: cfg.Widget.ChatflowID,
		Text:       to.text,
	}
	if req.Text == "" {
		msg, ok := findAnswer(rec.ChatHistory, to.messageID)
		if !ok {
			return NewNotFoundError("answer", orDash(to.messageID))
		}
		req.ChatMessageID = msg.Identity()
		req.Text = msg.Text
	}

	output, err := ValidateOutputPath(to.output)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	client := newClient(cfg, logging.Component("transport"))
	audio, contentType, err := client.GenerateSpeech(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) && req.ChatID != "" {
			abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if aerr := client.AbortSpeech(abortCtx, req.ChatID, req.ChatMessageID); aerr != nil {
				log := logging.Component("cli")
				log.Debug().Err(aerr).Msg("abort speech")
			}
		}
		return err
	}

	if filepath.Ext(output) == "" {
		output += audioExtension(contentType)
	}
	if err := util.AtomicWriteFile(output, audio, 0o644); err != nil {
		return NewCommandError("tts", "write", output, err)
	}

	return OutputJSON(opts.JSON, "tts", func() (any, error) {
		if !opts.JSON {
			fmt.Println(SuccessStyle.Render("Saved "+formatBytes(int64(len(audio)))) + " " + output)
		}
		return map[string]any{"path": output, "bytes": len(audio), "content_type": contentType}, nil
	})
}

// findAnswer picks the assistant message with id, or the newest one when
// id is empty.
func findAnswer(msgs []model.Message, id string) (model.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != model.RoleAssistant || strings.TrimSpace(m.Text) == "" {
			continue
		}
		if id == "" || m.MessageID == id || m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

// audioExtension maps an audio content type to a file extension.
func audioExtension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".mp3"
	}
	switch mediaType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0]
	}
	return ".mp3"
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// history_cmd.go - Saved session commands.
//
// Command: history [show|list|clear]
//
// Examples:
//   chatwidget history                 Show the saved conversation
//   chatwidget history list            List saved sessions of all chatflows
//   chatwidget history clear           Forget the conversation, keep the lead
//   chatwidget history clear --all     Forget everything for the chatflow

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/storage"
	"github.com/jeranaias/chatwidget/internal/util"
)

func newHistoryCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show, list or clear saved sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryShow(cmd.Context(), opts)
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the saved conversation of the chatflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryShow(cmd.Context(), opts)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryList(cmd.Context(), opts)
		},
	}

	var all bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the saved conversation (the lead is kept unless --all)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryClear(cmd.Context(), opts, all)
		},
	}
	clearCmd.Flags().BoolVar(&all, "all", false, "also forget the lead")

	cmd.AddCommand(show, list, clearCmd)
	return cmd
}

// withStore loads the config and opens storage for fn.
func withStore(ctx context.Context, opts *GlobalOptions, fn func(*storage.Store, string) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
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
	defer store.Close()
	return fn(store, cfg.Widget.ChatflowID)
}

func runHistoryShow(ctx context.Context, opts *GlobalOptions) error {
	return withStore(ctx, opts, func(store *storage.Store, chatflowID string) error {
		if chatflowID == "" {
			return NewValidationError("chatflow", "", "no chatflow configured")
		}
		rec, err := store.Load(ctx, chatflowID)
		if err != nil {
			return err
		}
		return OutputJSON(opts.JSON, "history show", func() (any, error) {
			if !opts.JSON {
				writeRecord(os.Stdout, chatflowID, rec)
			}
			return rec, nil
		})
	})
}

func runHistoryList(ctx context.Context, opts *GlobalOptions) error {
	return withStore(ctx, opts, func(store *storage.Store, _ string) error {
		metas, err := store.List(ctx)
		if err != nil {
			return err
		}
		return OutputJSON(opts.JSON, "history list", func() (any, error) {
			if !opts.JSON {
				writeSessionTable(os.Stdout, metas, time.Now())
			}
			return metas, nil
		})
	})
}

func runHistoryClear(ctx context.Context, opts *GlobalOptions, all bool) error {
	return withStore(ctx, opts, func(store *storage.Store, chatflowID string) error {
		if chatflowID == "" {
			return NewValidationError("chatflow", "", "no chatflow configured")
		}
		var err error
		if all {
			err = store.Delete(ctx, chatflowID)
		} else {
			err = store.ClearHistory(ctx, chatflowID)
		}
		if err != nil {
			return NewCommandError("history", "clear", chatflowID, err)
		}
		return OutputJSON(opts.JSON, "history clear", func() (any, error) {
			if !opts.JSON {
				fmt.Println(SuccessStyle.Render("Cleared saved history for " + chatflowID))
			}
			return map[string]any{"chatflow_id": chatflowID, "all": all}, nil
		})
	})
}

// writeRecord prints a stored conversation.
func writeRecord(w io.Writer, chatflowID string, rec *storage.Record) {
	fmt.Fprintln(w, TitleStyle.Render("Chatflow "+chatflowID))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Chat ID:"), orDash(rec.ChatID))
	if rec.Lead != nil {
		fmt.Fprintf(w, "%s %s <%s>\n", RenderLabel("Lead:"), rec.Lead.Name, rec.Lead.Email)
	}
	if len(rec.ChatHistory) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No saved messages."))
		return
	}
	fmt.Fprintln(w, RenderSeparatorAdaptive())
	for _, m := range rec.ChatHistory {
		if m.Role == model.RoleLeadCapture {
			continue
		}
		stamp := ""
		if t := m.Time(); !t.IsZero() {
			stamp = DimStyle.Render(t.Local().Format("02.01 15:04")) + " "
		}
		fmt.Fprintf(w, "%s%s %s\n", stamp, roleLabel(m), WrapText(m.Text, 0))
	}
}

// writeSessionTable prints sessions with columns aligned by display width,
// so Cyrillic and wide previews line up.
func writeSessionTable(w io.Writer, metas []storage.Meta, now time.Time) {
	if len(metas) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No saved sessions."))
		return
	}

	const (
		flowWidth    = 38
		countWidth   = 6
		updatedWidth = 10
	)
	previewWidth := GetTerminalWidth() - flowWidth - countWidth - updatedWidth - 6
	if previewWidth < 20 {
		previewWidth = 20
	}

	header := util.PadWidth("CHATFLOW", flowWidth) + "  " +
		util.PadWidth("MSGS", countWidth) + "  " +
		util.PadWidth("UPDATED", updatedWidth) + "  PREVIEW"
	fmt.Fprintln(w, RenderConditional(SectionStyle, header))

	for _, m := range metas {
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			util.PadWidth(m.ChatflowID, flowWidth),
			util.PadWidth(formatNumber(m.MessageCount), countWidth),
			util.PadWidth(formatAge(m.UpdatedAt, now), updatedWidth),
			util.TruncateWidth(m.Preview, previewWidth),
		)
	}
}

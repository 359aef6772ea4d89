// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command.
//
// Command: chat
// Short:   Start an interactive chat session
//
// Examples:
//   chatwidget chat                        Chat with the configured chatflow
//   chatwidget chat --chatflow ID          Use another chatflow
//   chatwidget chat --storage memory       Do not keep the session
//
// Interactive Commands (during chat):
//   /help, /h              Show available commands
//   /operator [text]       Hand the chat to a human operator
//   /click N [comment]     Press button N of the last answer
//   /rate up|down [text]   Rate the last answer
//   /lead NAME EMAIL [TEL] Leave contact details
//   /attach PATH           Attach a file to the next message
//   /clear, /c             Start a new conversation
//   /status, /s            Show session status
//   /history               Reprint the conversation
//   /quit, /q              Exit chat
//   Ctrl+C                 Cancel the answer in progress
//   Ctrl+D                 Exit chat

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatwidget/internal/config"
	"github.com/jeranaias/chatwidget/internal/coordinator"
	"github.com/jeranaias/chatwidget/internal/logging"
	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a new ChatCLI with input history support.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeSlash)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads input history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists input history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

type slashCommand struct {
	names []string
	args  string
	help  string
}

var slashCommands = []slashCommand{
	{[]string{"/help", "/h"}, "", "Show available commands"},
	{[]string{"/operator"}, "[text]", "Hand the chat to a human operator"},
	{[]string{"/click"}, "N [comment]", "Press button N of the last answer"},
	{[]string{"/rate"}, "up|down [comment]", "Rate the last answer"},
	{[]string{"/lead"}, "NAME EMAIL [PHONE]", "Leave contact details"},
	{[]string{"/attach"}, "PATH", "Attach a file to the next message"},
	{[]string{"/clear", "/c"}, "", "Start a new conversation"},
	{[]string{"/status", "/s"}, "", "Show session status"},
	{[]string{"/history"}, "", "Reprint the conversation"},
	{[]string{"/quit", "/q"}, "", "Exit chat"},
}

// completeSlash completes slash command names.
func completeSlash(line string) []string {
	if !strings.HasPrefix(line, "/") || strings.Contains(line, " ") {
		return nil
	}
	var out []string
	for _, c := range slashCommands {
		for _, n := range c.names {
			if strings.HasPrefix(n, line) {
				out = append(out, n)
			}
		}
	}
	return out
}

// =============================================================================
// SESSION
// =============================================================================

// ChatSession is one interactive run of the chat command.
type ChatSession struct {
	rt      *Runtime
	coord   *coordinator.Coordinator
	printer *Printer
	out     io.Writer

	sound   atomic.Bool
	pending []string // files for the next message

	startTime time.Time
}

// NewChatSession binds a printer and the terminal bell to rt.
func NewChatSession(rt *Runtime, printer *Printer, out io.Writer) *ChatSession {
	s := &ChatSession{
		rt:        rt,
		coord:     rt.Coordinator,
		printer:   printer,
		out:       out,
		startTime: time.Now(),
	}
	s.sound.Store(rt.Config.UI.Sound)
	rt.Coordinator.SetNotifier(coordinator.NotifierFunc(s.bell))
	return s
}

// bell rings the terminal bell when sound is on.
func (s *ChatSession) bell() {
	if s.sound.Load() {
		fmt.Fprint(s.out, "\a")
	}
}

// ApplyConfig takes the settings that may change while chatting.
func (s *ChatSession) ApplyConfig(cfg *config.Config) {
	s.sound.Store(cfg.UI.Sound)
	s.coord.SetClosingPhrases(cfg.Polling.ClosingPhrases)
}

// Ask submits text and waits for the answer. Cancelling ctx abandons the
// turn.
func (s *ChatSession) Ask(ctx context.Context, text string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	turn, err := s.coord.Submit(turnCtx, coordinator.Input{Text: text, Files: s.pending})
	s.pending = nil
	if err != nil {
		return err
	}
	return s.wait(turnCtx, turn)
}

// wait blocks until turn ends. An interrupted wait is not an error.
func (s *ChatSession) wait(ctx context.Context, turn *coordinator.Turn) error {
	if turn == nil {
		return nil
	}
	err := turn.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(s.out, WarningStyle.Render("\n[cancelled]"))
		return nil
	}
	return err
}

// HandleCommand runs a slash command. It returns false when chat should end.
func (s *ChatSession) HandleCommand(ctx context.Context, input string) (bool, error) {
	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))

	switch cmd {
	case "/help", "/h", "/?":
		s.printHelp()

	case "/quit", "/q", "/exit":
		return false, nil

	case "/clear", "/c":
		if err := s.coord.Reset(ctx); err != nil {
			return true, err
		}
		s.printer.Skip(0)
		s.printer.PrintAll(s.rt.State.Transcript())
		fmt.Fprintln(s.out, InfoStyle.Render("Started a new conversation."))

	case "/operator":
		if err := s.coord.RequestOperator(ctx, rest); err != nil {
			return true, err
		}

	case "/click":
		if len(args) == 0 {
			return true, NewValidationErrorWithExample("button", "", "missing button number", "/click 1")
		}
		n, err := strconv.Atoi(args[0])
		action := s.printer.LastAction()
		if err != nil || action == nil || n < 1 || n > len(action.Elements) {
			return true, NewValidationError("button", args[0], "no such button on the last answer")
		}
		comment := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		turnCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		turn, err := s.coord.ClickAction(turnCtx, action.Elements[n-1], action, comment)
		if err != nil {
			return true, err
		}
		return true, s.wait(turnCtx, turn)

	case "/rate":
		if len(args) == 0 {
			return true, NewValidationErrorWithExample("rating", "", "missing rating", "/rate up")
		}
		rating, ok := map[string]string{
			"up": model.RatingThumbsUp, "+": model.RatingThumbsUp,
			"down": model.RatingThumbsDown, "-": model.RatingThumbsDown,
		}[strings.ToLower(args[0])]
		if !ok {
			rating = strings.ToUpper(args[0])
		}
		id := lastAnswerID(s.rt.State.Transcript())
		if id == "" {
			return true, NewNotFoundError("answer", "last")
		}
		comment := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		if err := s.coord.Rate(ctx, id, rating, comment); err != nil {
			return true, err
		}
		fmt.Fprintln(s.out, SuccessStyle.Render("Thanks for the feedback."))

	case "/lead":
		if len(args) < 2 {
			return true, NewValidationErrorWithExample("lead", rest, "name and email are required", "/lead Anna anna@example.com")
		}
		lead := model.Lead{Name: args[0], Email: args[1]}
		if len(args) > 2 {
			lead.Phone = strings.Join(args[2:], " ")
		}
		if err := s.coord.SubmitLead(ctx, lead); err != nil {
			return true, err
		}
		fmt.Fprintln(s.out, SuccessStyle.Render("Contact details saved."))

	case "/attach":
		if rest == "" {
			return true, NewValidationErrorWithExample("attach", "", "missing path", "/attach ./report.pdf")
		}
		if _, err := os.Stat(rest); err != nil {
			return true, NewNotFoundError("file", rest)
		}
		s.pending = append(s.pending, rest)
		fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("%d file(s) will be sent with the next message.", len(s.pending))))

	case "/status", "/s":
		s.printStatus()

	case "/history":
		s.printer.PrintAll(s.rt.State.Transcript())

	default:
		fmt.Fprintln(s.out, WarningStyle.Render("Unknown command: "+cmd+" (try /help)"))
	}
	return true, nil
}

// lastAnswerID returns the id of the newest rateable assistant message.
func lastAnswerID(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != model.RoleAssistant || m.Pending {
			continue
		}
		if m.MessageID != "" {
			return m.MessageID
		}
		if m.ID != "" && !strings.HasPrefix(m.ID, model.TransferIDPrefix) {
			return m.ID
		}
	}
	return ""
}

func (s *ChatSession) printHelp() {
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, TitleStyle.Render("Commands"))
	for _, c := range slashCommands {
		name := strings.Join(c.names, ", ")
		if c.args != "" {
			name += " " + c.args
		}
		fmt.Fprintf(s.out, "  %s %s\n", RenderConditional(commandStyle, util.PadWidth(name, 28)), c.help)
	}
	fmt.Fprintf(s.out, "  %s %s\n", RenderConditional(commandStyle, util.PadWidth("Ctrl+C", 28)), "Cancel the answer in progress")
	fmt.Fprintln(s.out)
}

func (s *ChatSession) printStatus() {
	st := s.coord.Status()
	stats := s.rt.Tracker.Current()

	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, TitleStyle.Render("Session"))
	row := func(label, value string) {
		fmt.Fprintf(s.out, "  %s %s\n", RenderLabel(label), value)
	}
	row("Chat ID:", st.ConversationID)
	row("State:", st.State.String())
	row("Mode:", string(st.Mode))
	row("Messages:", formatNumber(st.Messages))
	row("Streaming:", RenderStatus(onOff(st.Streaming)))
	row("Feedback:", RenderStatus(onOff(st.FeedbackEnabled)))
	if st.PollingActive {
		row("Polling:", "active, after "+orDash(st.Watermark))
	}
	if st.ServiceError != nil {
		row("Last error:", ErrorStyle.Render(st.ServiceError.Error()))
	}
	row("Turns:", formatNumber(stats.Turns))
	if d := stats.AvgFirstToken(); d > 0 {
		row("First token:", formatDurationShort(d)+" avg")
	}
	row("Duration:", formatDuration(time.Since(s.startTime)))
	fmt.Fprintln(s.out)
}

func (s *ChatSession) printExitSummary() {
	stats := s.rt.Tracker.Current()
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("%s turns, %s operator handoffs, %s.",
		formatNumber(stats.Turns), formatNumber(stats.Handoffs), formatDuration(time.Since(s.startTime)))))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// COMMAND
// =============================================================================

func newChatCommand(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts)
		},
	}
}

func runChat(ctx context.Context, opts *GlobalOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := RequiresTTY("chat"); err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logFile, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()

	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Coordinator.Bootstrap(ctx); err != nil {
		return NewCommandError("chat", "start", "bootstrap failed", err)
	}

	var printer *Printer
	if cfg.UI.Markdown {
		md, err := newMarkdownRenderer(cfg.UI.Theme, 0)
		if err != nil {
			log := logging.Component("cli")
			log.Debug().Err(err).Msg("markdown disabled")
		}
		printer = NewPrinter(os.Stdout, md, cfg.UI.ShowReasoning)
	} else {
		printer = NewPrinter(os.Stdout, nil, cfg.UI.ShowReasoning)
	}

	session := NewChatSession(rt, printer, os.Stdout)
	printWelcome(os.Stdout, cfg, rt.Coordinator.Status())
	printer.PrintAll(rt.State.Transcript())
	unsubscribe := rt.State.Subscribe(printer.Observe)
	defer unsubscribe()

	if path := watchedConfigPath(opts); path != "" {
		w, err := config.Watch(path, session.ApplyConfig)
		if err != nil {
			log := logging.Component("cli")
			log.Debug().Err(err).Str("path", path).Msg("config hot reload unavailable")
		} else {
			defer w.Close()
		}
	}

	input := NewChatCLI()
	defer input.Close()

	for {
		line, err := input.ReadInput(RenderConditional(promptStyle, "> "))
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil {
			// Ctrl+D or a closed stdin.
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Ctrl+C while an answer is arriving cancels it.
		opCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		cont := true
		if strings.HasPrefix(line, "/") {
			cont, err = session.HandleCommand(opCtx, line)
		} else {
			err = session.Ask(opCtx, line)
		}
		stop()

		if err != nil {
			DisplayError(err, false)
		}
		if !cont {
			break
		}
	}

	session.printExitSummary()
	return nil
}

// watchedConfigPath returns the config file to hot-reload, if one exists.
func watchedConfigPath(opts *GlobalOptions) string {
	if opts.ConfigPath != "" {
		return opts.ConfigPath
	}
	for _, fn := range []func() (string, error){config.ConfigPathTOML, config.ConfigPathJSON} {
		if p, err := fn(); err == nil {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

func printWelcome(out io.Writer, cfg *config.Config, st coordinator.Status) {
	fmt.Fprintln(out, RenderConditional(welcomeStyle, "chatwidget "+Version))
	fmt.Fprintln(out, DimStyle.Render(fmt.Sprintf("%s · chatflow %s · %s", cfg.Widget.APIHost, cfg.Widget.ChatflowID, st.Mode)))
	if len(st.StarterPrompts) > 0 && st.Messages <= 2 {
		fmt.Fprintln(out, InfoStyle.Render("Try: "+strings.Join(st.StarterPrompts, " | ")))
	}
	fmt.Fprintln(out, DimStyle.Render("Type /help for commands, Ctrl+D to exit."))
}

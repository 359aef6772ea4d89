// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/session"
)

// =============================================================================
// MARKDOWN
// =============================================================================

// newMarkdownRenderer builds a glamour renderer for theme ("auto", "dark",
// "light", "notty"). Colorless terminals always get "notty".
func newMarkdownRenderer(theme string, width int) (*glamour.TermRenderer, error) {
	if width <= 0 {
		width = GetTerminalWidth()
	}
	style := glamour.WithAutoStyle()
	switch {
	case !ColorsEnabled():
		style = glamour.WithStandardStyle("notty")
	case theme != "" && theme != "auto":
		style = glamour.WithStandardStyle(theme)
	}
	return glamour.NewTermRenderer(style, glamour.WithWordWrap(width-4))
}

// =============================================================================
// TRANSCRIPT PRINTER
// =============================================================================

// Printer writes transcript changes to a terminal. Streaming answers are
// printed token by token; finished answers are rendered as markdown.
// Subscribe it to a session with session.State.Subscribe(p.Observe).
type Printer struct {
	out           io.Writer
	md            *glamour.TermRenderer
	showReasoning bool

	mu       sync.Mutex
	printed  int    // messages fully printed
	streamed string // text of the pending message already written
	inStream bool
	// lastAction is the action of the newest printed assistant message.
	lastAction *model.Action
}

// NewPrinter creates a printer. md may be nil for plain output.
func NewPrinter(out io.Writer, md *glamour.TermRenderer, showReasoning bool) *Printer {
	return &Printer{out: out, md: md, showReasoning: showReasoning}
}

// Skip marks the first n messages as already shown.
func (p *Printer) Skip(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = n
	p.streamed = ""
	p.inStream = false
}

// PrintAll writes a whole transcript, user messages included, and marks it
// as shown.
func (p *Printer) PrintAll(msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endStreamLocked()
	p.lastAction = nil
	for _, msg := range msgs {
		if msg.Role == model.RoleUser {
			fmt.Fprintf(p.out, "\n%s\n%s\n", roleLabel(msg), msg.Text)
			continue
		}
		p.finishLocked(msg)
	}
	p.printed = len(msgs)
}

// LastAction returns the buttons of the newest assistant message, if any.
func (p *Printer) LastAction() *model.Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAction
}

// Observe prints what changed since the last snapshot.
func (p *Printer) Observe(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := snap.Transcript
	if len(msgs) < p.printed {
		// Cleared or an entry was dropped.
		p.printed = len(msgs)
		p.endStreamLocked()
	}

	for p.printed < len(msgs) {
		msg := msgs[p.printed]
		if msg.Role == model.RoleUser {
			// Typed by the user; already on screen.
			if p.inStream {
				fmt.Fprintln(p.out)
				p.endStreamLocked()
			}
			p.printed++
			continue
		}
		if msg.Pending {
			p.streamLocked(msg)
			return
		}
		p.finishLocked(msg)
		p.printed++
	}

	// A finished message may lose its buttons after a click.
	if n := len(msgs); n > 0 && msgs[n-1].Role == model.RoleAssistant && msgs[n-1].Action == nil {
		p.lastAction = nil
	}
}

// streamLocked writes the new part of a pending answer.
func (p *Printer) streamLocked(msg model.Message) {
	if msg.Text == "" {
		return
	}
	if !p.inStream {
		fmt.Fprintf(p.out, "\n%s\n", roleLabel(msg))
		p.inStream = true
		p.streamed = ""
	}
	if strings.HasPrefix(msg.Text, p.streamed) {
		fmt.Fprint(p.out, msg.Text[len(p.streamed):])
	} else {
		fmt.Fprintf(p.out, "\n%s", msg.Text)
	}
	p.streamed = msg.Text
}

// finishLocked prints a final message. A streamed answer is completed in
// place rather than rendered again.
func (p *Printer) finishLocked(msg model.Message) {
	switch {
	case p.inStream:
		if strings.HasPrefix(msg.Text, p.streamed) {
			fmt.Fprint(p.out, msg.Text[len(p.streamed):])
		} else {
			fmt.Fprintf(p.out, "\n%s", msg.Text)
		}
		fmt.Fprintln(p.out)
		p.endStreamLocked()
	case msg.Role == model.RoleLeadCapture:
		fmt.Fprintf(p.out, "\n%s\n", InfoStyle.Render("Leave your contacts with /lead <name> <email> [phone]"))
	default:
		fmt.Fprintf(p.out, "\n%s\n%s\n", roleLabel(msg), p.renderText(msg.Text))
	}

	if msg.Role != model.RoleAssistant {
		return
	}
	if p.showReasoning {
		if tools := usedToolNames(msg.UsedTools); len(tools) > 0 {
			fmt.Fprintln(p.out, DimStyle.Render("tools: "+strings.Join(tools, ", ")))
		}
	}
	p.lastAction = msg.Action
	if msg.Action != nil && len(msg.Action.Elements) > 0 {
		fmt.Fprintln(p.out, renderAction(msg.Action))
	}
}

func (p *Printer) endStreamLocked() {
	p.inStream = false
	p.streamed = ""
}

func (p *Printer) renderText(text string) string {
	if p.md == nil || text == "" {
		return text
	}
	out, err := p.md.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

// roleLabel names the author of msg.
func roleLabel(msg model.Message) string {
	switch {
	case msg.Role == model.RoleUser:
		return RenderConditional(userRoleStyle, msg.Role.DisplayName()+":")
	case msg.IsOperatorMessage():
		return RenderConditional(operatorRoleStyle, "Operator:")
	default:
		return RenderConditional(assistantRoleStyle, msg.Role.DisplayName()+":")
	}
}

// renderAction lists the buttons of an action, numbered for /click.
func renderAction(a *model.Action) string {
	var b strings.Builder
	for i, el := range a.Elements {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, el.Label)
	}
	return RenderConditional(actionStyle, b.String()) + "\n" +
		DimStyle.Render("Use /click <n> to choose.")
}

// usedToolNames extracts tool names from a usedTools payload.
func usedToolNames(raw json.RawMessage) []string {
	raw = model.DecodeEmbedded(raw)
	if len(raw) == 0 {
		return nil
	}
	var tools []struct {
		Tool string `json:"tool"`
	}
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Tool != "" {
			names = append(names, t.Tool)
		}
	}
	return names
}

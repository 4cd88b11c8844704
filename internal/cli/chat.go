// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command for ragchat.
//
// Command: chat (default)
// Short:   Start an interactive conversation
//
// Interactive Commands (during chat):
//   /new                Start a new conversation
//   /sources            Sources of the last answer
//   /followups          Suggested follow-up questions
//   /history            Messages so far
//   /export [md|json]   Write the conversation to a file
//   /status             Connection and conversation details
//   /help               Show available commands
//   /quit               Exit chat
//   1-9                 Ask the numbered follow-up
//   Ctrl+C              Stop the current answer
//   Ctrl+D              Exit chat
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/conversation"
	"github.com/jeranaias/ragchat/internal/export"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/stream"
	"github.com/jeranaias/ragchat/internal/util"
)

// historyFileName holds REPL input history inside the config directory.
const historyFileName = "chat_history"

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
	logger      *slog.Logger
}

// NewChatCLI creates a line editor with history loaded from historyFile.
func NewChatCLI(historyFile string, logger *slog.Logger) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	if logger == nil {
		logger = slog.Default()
	}
	c := &ChatCLI{
		line:        line,
		historyFile: historyFile,
		logger:      logger,
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
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

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if err := saveHistoryFile(c.historyFile, c.line); err != nil {
		c.logger.Debug("could not save input history", "path", c.historyFile, "error", err)
	}
}

// historyWriter is the part of liner.State that serializes history.
type historyWriter interface {
	WriteHistory(w io.Writer) (int, error)
}

func saveHistoryFile(path string, h historyWriter) error {
	var buf bytes.Buffer
	if _, err := h.WriteHistory(&buf); err != nil {
		return fmt.Errorf("serialize history: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

func historyPath() string {
	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, historyFileName)
}

// =============================================================================
// SESSION STATE
// =============================================================================

// ChatSession holds the state of one interactive chat.
type ChatSession struct {
	app  *App
	args Args
	out  io.Writer

	mu        sync.Mutex
	display   Display
	exportCfg config.ExportConfig

	// Tracking
	StartTime time.Time
	Answers   int
	Failed    int
	Stopped   int
}

// NewChatSession creates a chat over app writing to out.
func NewChatSession(app *App, args Args, out io.Writer) *ChatSession {
	return &ChatSession{
		app:       app,
		args:      args,
		out:       out,
		display:   DisplayFromConfig(app.Config.UI, args.Quiet),
		exportCfg: app.Config.Export,
		StartTime: time.Now(),
	}
}

func (s *ChatSession) renderer() *Renderer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewRenderer(s.out, s.display)
}

// applyConfig takes over reloadable settings from a changed config file.
// Server settings need a restart.
func (s *ChatSession) applyConfig(cfg *config.Config) {
	applyFlags(cfg, s.args)
	if err := cfg.Validate(); err != nil {
		s.app.Logger.Warn("ignoring invalid config change", "error", err)
		return
	}
	s.app.Manager.UpdateConfig(conversationConfig(cfg.Conversation))
	ConfigureColors(cfg.UI.Color, s.args.NoColor)

	s.mu.Lock()
	s.display = DisplayFromConfig(cfg.UI, s.args.Quiet)
	s.exportCfg = cfg.Export
	s.mu.Unlock()

	if cfg.Server != s.app.Config.Server {
		s.app.Logger.Info("server settings changed; restart ragchat to apply them")
	}
	config.SetGlobal(cfg)
}

// watchConfig reloads settings while the chat runs.
func (s *ChatSession) watchConfig(ctx context.Context) {
	path := s.app.ConfigPath
	if path == "" {
		return
	}
	go func() {
		err := config.Watch(ctx, path, config.DefaultWatchDebounce, func(cfg *config.Config, err error) {
			if err != nil {
				return
			}
			s.applyConfig(cfg)
		})
		if err != nil {
			s.app.Logger.Debug("config watch unavailable", "error", err)
		}
	}()
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

// HandleChat runs the interactive chat.
func HandleChat(args Args) error {
	app, err := NewApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	session := NewChatSession(app, args, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session.watchConfig(ctx)

	input := NewChatCLI(historyPath(), app.Logger)
	defer input.Close()

	// While an answer streams the terminal is in normal mode, so Ctrl+C
	// arrives as a signal and stops the answer instead of exiting.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				app.Manager.Cancel()
				if sig == syscall.SIGTERM {
					input.Close()
					app.Close()
					os.Exit(128 + int(syscall.SIGTERM))
				}
			}
		}
	}()

	if !args.Quiet {
		session.printWelcome()
	}

	prompt := RenderConditional(PromptStyle, "ragchat> ")
	for {
		line, err := input.ReadInput(prompt)
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or a closed stdin
			fmt.Fprintln(session.out)
			session.printExitSummary()
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		shouldContinue, err := session.HandleInput(ctx, line)
		if err != nil {
			fmt.Fprintf(session.out, "%s %v\n", RenderConditional(ErrorStyle, "[Error]"), err)
		}
		if !shouldContinue || ctx.Err() != nil {
			session.printExitSummary()
			return nil
		}
	}
}

// HandleInput processes one line typed at the prompt. It returns false
// when the chat should end.
func (s *ChatSession) HandleInput(ctx context.Context, input string) (bool, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return true, nil
	}

	if strings.HasPrefix(input, "/") {
		return s.handleSlashCommand(input)
	}

	if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
		return false, nil
	}

	// A bare number picks a suggested follow-up
	if n, err := strconv.Atoi(input); err == nil {
		suggestions := s.app.Manager.FollowUps()
		if n >= 1 && n <= len(suggestions) {
			input = suggestions[n-1]
			fmt.Fprintln(s.out, RenderConditional(DimStyle, "> "+input))
		}
	}

	return true, s.ask(ctx, input)
}

// ask submits a question and renders the answer as it streams.
func (s *ChatSession) ask(ctx context.Context, question string) error {
	sess, err := s.app.Manager.Submit(ctx, question)
	if err != nil {
		if errors.Is(err, conversation.ErrEmptyQuestion) {
			return nil
		}
		return err
	}

	fmt.Fprintln(s.out)
	res := streamAnswer(s.app.Manager.Transcript(), sess, s.out)
	r := s.renderer()
	r.Footer(res)

	s.Answers++
	switch res.State {
	case stream.StateFailed:
		s.Failed++
	case stream.StateCancelled:
		s.Stopped++
	case stream.StateCompleted:
		if !r.d.Quiet {
			if fu := s.app.Manager.FollowUps(); len(fu) > 0 {
				fmt.Fprintln(s.out)
				r.FollowUps(fu)
			}
		}
	}
	fmt.Fprintln(s.out)
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands.
// Returns (shouldContinue, error).
func (s *ChatSession) handleSlashCommand(input string) (bool, error) {
	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])
	cmdArgs := fields[1:]
	r := s.renderer()

	switch cmd {
	case "/quit", "/q", "/exit":
		return false, nil

	case "/help", "/h", "/?":
		s.printHelp()

	case "/new", "/clear", "/reset":
		s.app.Manager.Reset()
		fmt.Fprintln(s.out, RenderConditional(SuccessStyle, "Started a new conversation."))
		r.FollowUps(s.app.Manager.FollowUps())

	case "/sources", "/src":
		msg, ok := lastAnswer(s.app.Manager.Snapshot())
		if !ok {
			fmt.Fprintln(s.out, RenderConditional(DimStyle, "No answer yet."))
			break
		}
		if msg.HasConfidence() && msg.Outcome == model.OutcomeCompleted {
			fmt.Fprintln(s.out, r.ConfidenceLine(*msg.Confidence, len(msg.Sources)))
		}
		r.Sources(msg.Sources)

	case "/followups", "/f":
		suggestions := s.app.Manager.FollowUps()
		if len(suggestions) == 0 {
			fmt.Fprintln(s.out, RenderConditional(DimStyle, "No suggestions."))
			break
		}
		r.FollowUps(suggestions)

	case "/history":
		r.History(s.app.Manager.Snapshot())

	case "/export":
		format := ""
		if len(cmdArgs) > 0 {
			format = cmdArgs[0]
		}
		path, err := s.export(format)
		if err != nil {
			if errors.Is(err, export.ErrEmptyTranscript) {
				fmt.Fprintln(s.out, RenderConditional(DimStyle, "Nothing to export yet."))
				return true, nil
			}
			return true, err
		}
		fmt.Fprintf(s.out, "%s %s\n", RenderConditional(SuccessStyle, "Exported to"), path)

	case "/status", "/s":
		s.printStatus()

	default:
		return true, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return true, nil
}

// export writes the transcript in format, or the configured default.
func (s *ChatSession) export(format string) (string, error) {
	s.mu.Lock()
	cfg := s.exportCfg
	s.mu.Unlock()

	if format == "" {
		format = cfg.Format
	}
	opts := export.DefaultOptions()
	if cfg.Dir != "" {
		opts.OutputDir = cfg.Dir
	}
	exporter, err := export.ForFormat(format, opts)
	if err != nil {
		return "", &UsageError{Msg: err.Error(), Usage: "/export [md|json]"}
	}
	doc := export.NewDocument(s.app.Manager.Token(), s.app.Manager.Snapshot())
	return export.ExportToFile(doc, exporter, opts)
}

// lastAnswer returns the most recent finished assistant message.
func lastAnswer(msgs []model.Message) (model.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleAssistant && !msgs[i].IsStreaming {
			return msgs[i], true
		}
	}
	return model.Message{}, false
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

func (s *ChatSession) printWelcome() {
	fmt.Fprintln(s.out, RenderConditional(TitleStyle, "ragchat"))
	fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Service:", 10), s.app.Client.BaseURL())
	mode := "streaming"
	if !s.app.Manager.Config().Streaming {
		mode = "single response"
	}
	fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Mode:", 10), mode)
	fmt.Fprintln(s.out, RenderConditional(DimStyle, "Ask a question. /help for commands, Ctrl+C stops an answer, Ctrl+D exits."))
	fmt.Fprintln(s.out)
	if fu := s.app.Manager.FollowUps(); len(fu) > 0 {
		s.renderer().FollowUps(fu)
		fmt.Fprintln(s.out)
	}
}

func (s *ChatSession) printHelp() {
	commands := []struct{ name, desc string }{
		{"/new", "Start a new conversation"},
		{"/sources", "Sources of the last answer"},
		{"/followups", "Suggested follow-up questions"},
		{"/history", "Messages so far"},
		{"/export [md|json]", "Write the conversation to a file"},
		{"/status", "Connection and conversation details"},
		{"/help", "Show this help"},
		{"/quit", "Exit chat"},
		{"1-9", "Ask the numbered follow-up"},
		{"Ctrl+C", "Stop the current answer"},
		{"Ctrl+D", "Exit chat"},
	}
	fmt.Fprintln(s.out, RenderConditional(SectionStyle, "Commands"))
	for _, c := range commands {
		fmt.Fprintf(s.out, "  %s %s\n", RenderConditional(InfoStyle, padLabel(c.name, 20)), c.desc)
	}
}

func (s *ChatSession) printStatus() {
	cfg := s.app.Manager.Config()
	msgs := s.app.Manager.Snapshot()
	rows := [][2]string{
		{"Service:", s.app.Client.BaseURL()},
		{"Streaming:", strconv.FormatBool(cfg.Streaming)},
		{"History:", fmt.Sprintf("last %d messages", cfg.HistoryLimit)},
		{"Idle stop:", idleLabel(cfg.IdleTimeout)},
		{"Conversation:", s.app.Manager.Token()},
		{"Messages:", strconv.Itoa(len(msgs))},
		{"Session:", formatDuration(time.Since(s.StartTime).Round(time.Second))},
	}
	if s.app.Stats != nil {
		rows = append(rows, [2]string{"Statistics:", s.app.Stats.Path()})
	}
	for _, row := range rows {
		fmt.Fprintf(s.out, "%s %s\n", RenderLabel(row[0], 14), row[1])
	}
}

func idleLabel(d time.Duration) string {
	if d <= 0 {
		return "off"
	}
	return "after " + formatDuration(d)
}

func (s *ChatSession) printExitSummary() {
	if s.args.Quiet || s.Answers == 0 {
		return
	}
	summary := fmt.Sprintf("%d answers", s.Answers)
	if s.Failed > 0 || s.Stopped > 0 {
		summary += fmt.Sprintf(" (%d failed, %d stopped)", s.Failed, s.Stopped)
	}
	summary += " in " + formatDuration(time.Since(s.StartTime).Round(time.Second))
	fmt.Fprintln(s.out, RenderConditional(DimStyle, summary))
}

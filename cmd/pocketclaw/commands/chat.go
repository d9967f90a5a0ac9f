package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
)

// newChatCmd creates the `pocketclaw chat` command.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant from the terminal",
		Long: `Send a single message, or start an interactive session when no message
is given. Local commands proposed by the assistant are approved on this
terminal.

Examples:
  pocketclaw chat "Summarize my unread email"
  pocketclaw chat --identity alice
  pocketclaw chat   # interactive`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("identity", "i", "", "identity to chat as (default: $USER)")
	cmd.Flags().StringP("model", "m", "", "reasoning model (overrides reasoning.model)")
	return cmd
}

func chatIdentity(cmd *cobra.Command) string {
	if id, _ := cmd.Flags().GetString("identity"); id != "" {
		return id
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, raw, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Reasoning.Model = model
	}
	logger := newLogger(cmd, cfg.Logging, os.Stderr)

	rt, err := buildRuntime(cfg, raw, runtimeOptions{Interactive: true}, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity := chatIdentity(cmd)
	if len(args) > 0 {
		return chatOnce(ctx, rt.assistant, identity, args[0], cmd.OutOrStdout())
	}
	return chatREPL(ctx, rt.assistant, identity, cmd.OutOrStdout())
}

func chatOnce(ctx context.Context, a *copilot.Assistant, identity, text string, out io.Writer) error {
	reply, err := a.HandleTurn(ctx, copilot.Turn{Identity: identity, Text: text})
	if err != nil {
		fmt.Fprintln(out, copilot.UserMessage(err))
		return err
	}
	fmt.Fprintln(out, reply.Text)
	return nil
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".pocketclaw")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}

func chatREPL(ctx context.Context, a *copilot.Assistant, identity string, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting prompt: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(out, "%s ready. Chatting as %s. Type /help for commands, exit to quit.\n", a.Config().Name, identity)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := a.HandleTurn(ctx, copilot.Turn{Identity: identity, Text: line})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(out, copilot.UserMessage(err))
			continue
		}
		fmt.Fprintf(out, "%s> %s\n", strings.ToLower(a.Config().Name), reply.Text)
	}
}

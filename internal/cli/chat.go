package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/raphaelgruber/retrobot/internal/audio"
	"github.com/raphaelgruber/retrobot/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	chatUser  string
	chatStats bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run a retrospective in the terminal",
	Long: `Run an interactive retrospective. Type answers or commands such as
/start, /skip, /edit 3 and /finish. "/voice <file>" sends an audio
recording through the voice pipeline as the answer to the current question.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", os.Getenv("USER"), "user id the session belongs to")
	chatCmd.Flags().BoolVar(&chatStats, "stats", false, "print timing and cost statistics on exit")
}

// console prints service messages to a terminal.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	theme  Theme
	prompt bool
}

func newConsole(out io.Writer, interactive bool) *console {
	return &console{out: out, theme: defaultTheme, prompt: interactive}
}

// Send implements service.Sender.
func (c *console) Send(_ context.Context, _ string, msg service.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var text string
	switch msg.Kind {
	case service.MessagePrompt:
		text = c.theme.promptStyle().Render(msg.Text)
	case service.MessageProgress:
		text = c.theme.hintStyle().Render(msg.Text)
	case service.MessageError:
		text = c.theme.errorStyle().Render(msg.Text)
	case service.MessageSummary:
		text = c.theme.completedStyle().Render("✓ Retrospective complete") + "\n\n" + msg.Text
	default:
		text = msg.Text
	}
	_, err := fmt.Fprintln(c.out, text)
	c.showCursor()
	return err
}

// showCursor prints the input marker. Callers hold mu.
func (c *console) showCursor() {
	if c.prompt {
		fmt.Fprint(c.out, c.theme.statusStyle().Render("> "))
	}
}

func (c *console) ready() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.showCursor()
}

// inputEvent turns a typed line into a service event. "/voice <file>"
// becomes a voice message.
func inputEvent(userID, line string) service.Event {
	ev := service.ParseInput(userID, line)
	if ev.Kind == service.EventCommand && ev.Command == "voice" && len(ev.Args) > 0 {
		path := strings.Join(ev.Args, " ")
		return service.Event{UserID: userID, Kind: service.EventVoice, Audio: audio.File(path)}
	}
	return ev
}

func runChat(cmd *cobra.Command, args []string) error {
	if chatUser == "" {
		return fmt.Errorf("no user id: pass --user")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	out := newConsole(cmd.OutOrStdout(), interactive)

	a, err := newApp(ctx, cfg, out, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if chatStats {
		defer func() { printStats(cmd.OutOrStdout(), a.collector.Snapshot()) }()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.service.Run(ctx); err != nil {
			logger.Error("service stopped", "error", err)
		}
	}()
	defer wg.Wait()
	defer stop()

	if interactive {
		fmt.Fprintln(cmd.OutOrStdout(), defaultTheme.hintStyle().Render("Send /start to begin, /help for commands, Ctrl+D to quit."))
		out.ready()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				out.ready()
				continue
			}
			if err := a.service.Handle(ctx, inputEvent(chatUser, line)); err != nil {
				return err
			}
		}
	}
}

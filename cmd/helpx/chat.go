package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	helpx "github.com/helpxchange/sdk/golang"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  <text>                 send a message
  /attach <path> [text]  upload a file and send it
  /edit <n> <text>       edit your message #n
  /rm <n>                delete message #n for you
  /rmall <n>             delete your message #n for everyone
  /clear                 clear the chat for you
  /clearall              clear the chat for everyone (post chat only)
  /list                  print the whole chat again
  /quit                  leave`

// ============================================================================
// Terminal view
// ============================================================================

// termView prints new messages as they arrive and reprints the list when
// existing entries change.
type termView struct {
	mu     sync.Mutex
	out    io.Writer
	selfID string
	shown  map[string]string
	last   []helpx.Message
}

func newTermView(out io.Writer, selfID string) *termView {
	return &termView{out: out, selfID: selfID, shown: map[string]string{}}
}

func (v *termView) Render(u helpx.Update) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.last = u.Messages

	changed := len(u.Messages) < len(v.shown)
	for _, m := range u.Messages {
		if line, ok := v.shown[m.Key()]; ok && line != formatMessage(m, v.selfID) {
			changed = true
			break
		}
	}
	if changed || !u.ScrollToBottom {
		v.reprint()
		return
	}
	for i, m := range u.Messages {
		if _, ok := v.shown[m.Key()]; ok {
			continue
		}
		line := formatMessage(m, v.selfID)
		v.shown[m.Key()] = line
		fmt.Fprintf(v.out, "#%-3d %s\n", i+1, line)
	}
}

// reprint is called with v.mu held.
func (v *termView) reprint() {
	v.shown = make(map[string]string, len(v.last))
	fmt.Fprintln(v.out, "----")
	for i, m := range v.last {
		line := formatMessage(m, v.selfID)
		v.shown[m.Key()] = line
		fmt.Fprintf(v.out, "#%-3d %s\n", i+1, line)
	}
}

func (v *termView) Typing(userID, name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "  %s is typing...\n", name)
}

// ref resolves a 1-based message number from the last render.
func (v *termView) ref(arg string) (string, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil || n < 1 || n > len(v.last) {
		return "", fmt.Errorf("no message #%s", arg)
	}
	return v.last[n-1].Key(), nil
}

func (v *termView) printAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reprint()
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <post|dm|group> <id>",
	Short: "Open an interactive chat",
	Long:  "Open a post chat, a private conversation or a group chat and talk live.\n\n" + chatHelp,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		surface, err := surfaceFor(args[0])
		if err != nil {
			return err
		}
		client, cfg := getClient()
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		out := cmd.OutOrStdout()
		bus := client.Bus()
		defer bus.Subscribe(helpx.EventNotice, func(_ helpx.BusEvent, p any) {
			fmt.Fprintf(out, "! %v\n", p)
		})()
		defer bus.Subscribe(helpx.EventConnectionState, func(_ helpx.BusEvent, p any) {
			ch := p.(helpx.ConnectionChange)
			if ch.State == helpx.StateReconnecting {
				fmt.Fprintf(out, "~ reconnecting (attempt %d, in %s)\n", ch.Attempt, ch.Delay.Round(time.Millisecond))
			} else if ch.State == helpx.StateDisconnected && ch.Reason != "" {
				fmt.Fprintf(out, "~ disconnected: %s\n", ch.Reason)
			}
		})()
		defer bus.Subscribe(helpx.EventGroupUpdated, func(helpx.BusEvent, any) {
			fmt.Fprintln(out, "~ group details changed")
		})()

		if err := client.Channel().Connect(ctx); err != nil {
			fmt.Fprintf(out, "~ live updates unavailable: %v\n", err)
		}

		me := self(cfg)
		view := newTermView(out, me.ID)
		var session *helpx.Session
		switch surface.Name {
		case helpx.GroupSurface.Name:
			session = client.GroupChat(me, helpx.SessionOptions{View: view})
		case helpx.PrivateSurface.Name:
			session = client.PrivateChat(me, helpx.SessionOptions{View: view})
		default:
			session = client.PostChat(me, helpx.SessionOptions{View: view})
		}
		defer session.Close(context.Background())

		// History failures are already reported as notices.
		_ = session.Open(ctx, args[1])
		fmt.Fprintln(out, "Type /help for commands.")

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				lines <- sc.Text()
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
				quit, err := runChatLine(ctx, client, session, view, line)
				if err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
				if quit {
					return nil
				}
			}
		}
	},
}

func runChatLine(ctx context.Context, client *helpx.Client, s *helpx.Session, view *termView, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if s.Surface().TypingEvent != "" {
			_ = s.Typing(ctx)
		}
		return false, explain(s.Send(ctx, line))
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/q":
		return true, nil
	case "/help":
		fmt.Fprintln(view.out, chatHelp)
	case "/list":
		view.printAll()
	case "/attach":
		path, text, _ := strings.Cut(rest, " ")
		if path == "" {
			return false, errors.New("usage: /attach <path> [text]")
		}
		att, err := client.Files().UploadFile(ctx, path)
		if err != nil {
			return false, err
		}
		return false, explain(s.Send(ctx, text, *att))
	case "/edit":
		n, text, _ := strings.Cut(rest, " ")
		ref, err := view.ref(n)
		if err != nil {
			return false, err
		}
		return false, explain(s.Edit(ctx, ref, text))
	case "/rm":
		ref, err := view.ref(rest)
		if err != nil {
			return false, err
		}
		return false, explain(s.DeleteForMe(ctx, ref))
	case "/rmall":
		ref, err := view.ref(rest)
		if err != nil {
			return false, err
		}
		return false, explain(s.DeleteForEveryone(ctx, ref))
	case "/clear":
		return false, explain(s.ClearForMe(ctx))
	case "/clearall":
		return false, explain(s.ClearForEveryone(ctx))
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

// explain turns client-side refusals into something readable. Server errors
// were already shown as notices.
func explain(err error) error {
	var apiErr *helpx.APIError
	switch {
	case err == nil, errors.As(err, &apiErr):
		return nil
	case errors.Is(err, helpx.ErrNotPermitted):
		return errors.New("you can only change your own messages (and only edit ones without attachments)")
	case errors.Is(err, helpx.ErrNotConfirmed):
		return errors.New("that message has not reached the server yet")
	case errors.Is(err, helpx.ErrUnsupported):
		return errors.New("this chat does not support that")
	}
	return err
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

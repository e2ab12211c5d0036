package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/chatturn/internal/models"
	"github.com/MegaGrindStone/chatturn/internal/transcript"
	"github.com/MegaGrindStone/chatturn/internal/turn"
)

const errLoggerKey = "err"

const helpText = `Commands:
  /history           show the messages of this session
  /edit N text       resend message N with new text
  /image path        attach an image to the next message
  /export file       write the session as an HTML transcript
  /quit              leave
`

var errQuit = errors.New("quit")

// deltaPrinter writes the assistant message as it grows. When the text no longer extends what was
// printed, as after finalization or a failure, the full text is written on a new line.
type deltaPrinter struct {
	w       io.Writer
	id      string
	printed string
}

func (p *deltaPrinter) update(msg models.ChatMessage) {
	if msg.ID != p.id {
		p.id = msg.ID
		p.printed = ""
	}
	if msg.Text == p.printed {
		return
	}

	if strings.HasPrefix(msg.Text, p.printed) {
		fmt.Fprint(p.w, msg.Text[len(p.printed):])
	} else {
		fmt.Fprint(p.w, "\n"+msg.Text)
	}
	p.printed = msg.Text
}

type repl struct {
	ctrl     *turn.Controller
	in       io.Reader
	out      io.Writer
	printer  *deltaPrinter
	renderer transcript.Renderer
	images   []string
	logger   *slog.Logger
}

func newREPL(in io.Reader, out io.Writer, renderer transcript.Renderer, logger *slog.Logger) *repl {
	return &repl{
		in:       in,
		out:      out,
		printer:  &deltaPrinter{w: out},
		renderer: renderer,
		logger:   logger,
	}
}

// run reads lines until the input ends, /quit is entered or ctx is cancelled.
func (r *repl) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprint(r.out, "Type a message, or /help for commands.\n> ")
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := r.handle(ctx, strings.TrimSpace(line))
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			fmt.Fprint(r.out, "> ")
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.report(r.ctrl.Submit(ctx, line, r.takeImages()))
	}

	command, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)
	switch command {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprint(r.out, helpText)
		return nil
	case "/history":
		r.history()
		return nil
	case "/image":
		if args == "" {
			return errors.New("usage: /image path")
		}
		images, err := readImages([]string{args})
		if err != nil {
			return err
		}
		r.images = append(r.images, images...)
		fmt.Fprintf(r.out, "%d image(s) attached to the next message\n", len(r.images))
		return nil
	case "/edit":
		return r.edit(ctx, args)
	case "/export":
		return r.export(args)
	default:
		return fmt.Errorf("unknown command %s, try /help", command)
	}
}

func (r *repl) takeImages() []string {
	images := r.images
	r.images = nil
	return images
}

func (r *repl) report(res turn.Result, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out)
	if res.Err != nil {
		r.logger.Debug("Turn failed",
			slog.String("failure", res.Failure.String()),
			slog.String(errLoggerKey, res.Err.Error()))
	}
	return nil
}

func (r *repl) history() {
	for i, msg := range r.ctrl.Session().Messages() {
		who := "assistant"
		if msg.Role == models.RoleUser {
			who = "you"
		}
		text := msg.Text
		if len(msg.Images) > 0 {
			text = fmt.Sprintf("%s [%d image(s)]", text, len(msg.Images))
		}
		fmt.Fprintf(r.out, "[%d] %s: %s\n", i+1, who, text)
	}
}

func (r *repl) edit(ctx context.Context, args string) error {
	n, text, _ := strings.Cut(args, " ")
	idx, err := strconv.Atoi(n)
	if err != nil || strings.TrimSpace(text) == "" {
		return errors.New("usage: /edit N text")
	}

	msgs := r.ctrl.Session().Messages()
	if idx < 1 || idx > len(msgs) {
		return fmt.Errorf("no message %d, see /history", idx)
	}
	return r.report(r.ctrl.EditAndResend(ctx, msgs[idx-1].ID, strings.TrimSpace(text)))
}

func (r *repl) export(path string) error {
	if path == "" {
		return errors.New("usage: /export file")
	}

	var conv models.Conversation
	if id, ok := r.ctrl.Session().ConversationID(); ok {
		conv.ID = id
	}

	if err := r.writeTranscript(path, conv); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "transcript written to %s\n", path)
	return nil
}

func (r *repl) writeTranscript(path string, conv models.Conversation) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating transcript: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("error closing transcript: %w", cerr)
		}
	}()

	return r.renderer.Render(f, conv, r.ctrl.Session().Messages())
}

// Command chat is a terminal client for the chat completion backend. It streams assistant replies
// as they arrive and cancels the running turn on Ctrl+C.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatturn/internal/models"
	"github.com/MegaGrindStone/chatturn/internal/session"
	"github.com/MegaGrindStone/chatturn/internal/transcript"
	"github.com/MegaGrindStone/chatturn/internal/turn"
	"github.com/spf13/cobra"
)

var (
	cfgPath        string
	conversationID int64
	imagePaths     []string

	cfg    clientConfig
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat with the completion backend from the terminal",
		Long: `chat opens an interactive session with the completion backend. Replies are streamed
as they arrive; press Ctrl+C to cancel a reply and again at the prompt to quit.`,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			c, err := loadClientConfig(cfgPath)
			if err != nil {
				return err
			}
			cfg = c
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))
			return nil
		},
		Args: cobra.NoArgs,
		RunE: runInteractive,
	}

	sendCmd = &cobra.Command{
		Use:   "send [message]",
		Short: "Send a single message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSend,
	}

	conversationsCmd = &cobra.Command{
		Use:   "conversations",
		Short: "List the conversations stored by the backend",
		Args:  cobra.NoArgs,
		RunE:  runConversations,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to the client config file")
	rootCmd.PersistentFlags().Int64Var(&conversationID, "conversation", 0, "continue the conversation with this id")
	rootCmd.PersistentFlags().StringSliceVar(&imagePaths, "image", nil, "image file attached to the first message")

	rootCmd.AddCommand(sendCmd, conversationsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newSession() *session.Session {
	if conversationID > 0 {
		return session.Resume(conversationID)
	}
	return session.New()
}

func newController(sess *session.Session, onUpdate func(models.ChatMessage)) *turn.Controller {
	return turn.NewController(sess, turn.Config{
		NewConversationURL:      cfg.endpoint(cfg.NewConversationPath),
		ContinueConversationURL: cfg.endpoint(cfg.ContinueConversationPath),
		Credential:              cfg.Token,
		IdleTimeout:             cfg.IdleTimeout,
		Logger:                  logger,
		OnUpdate:                onUpdate,
	})
}

// watchInterrupts cancels the open turn on Ctrl+C. When no turn is streaming, quit is called.
func watchInterrupts(ctrl *turn.Controller, quit func()) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigs:
				if ctrl.Cancel() {
					continue
				}
				if ctrl.Session().TurnState() == models.TurnIdle {
					quit()
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func runInteractive(cmd *cobra.Command, _ []string) error {
	images, err := readImages(imagePaths)
	if err != nil {
		return err
	}
	renderer, err := transcript.NewRenderer(cfg.HighlightStyle)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	r := newREPL(cmd.InOrStdin(), cmd.OutOrStdout(), renderer, logger)
	r.images = images
	r.ctrl = newController(newSession(), r.printer.update)

	stop := watchInterrupts(r.ctrl, cancel)
	defer stop()

	return r.run(ctx)
}

func runSend(cmd *cobra.Command, args []string) error {
	images, err := readImages(imagePaths)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	printer := &deltaPrinter{w: cmd.OutOrStdout()}
	ctrl := newController(newSession(), printer.update)

	stop := watchInterrupts(ctrl, cancel)
	defer stop()

	res, err := ctrl.Submit(ctx, strings.Join(args, " "), images)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())

	if id, ok := ctrl.Session().ConversationID(); ok {
		fmt.Fprintf(cmd.ErrOrStderr(), "conversation %d\n", id)
	}
	if res.Outcome == models.OutcomeFailed {
		return fmt.Errorf("turn failed (%s): %w", res.Failure, res.Err)
	}
	return nil
}

type conversationSummary struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

func runConversations(cmd *cobra.Command, _ []string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, cfg.endpoint(cfg.ConversationsPath), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var convs []conversationSummary
	if err := json.NewDecoder(resp.Body).Decode(&convs); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(out, "%6d  %s  %s\n", c.ID, c.CreatedAt.Local().Format("2006-01-02 15:04"), title)
	}
	return nil
}

func readImages(paths []string) ([]string, error) {
	images := make([]string, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("error reading image: %w", err)
		}
		images = append(images, base64.StdEncoding.EncodeToString(b))
	}
	return images, nil
}

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/kbchat-backend/internal/app"
	types "github.com/yungbote/kbchat-backend/internal/domain"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

// ChatService is the part of the chat core the REPL drives.
type ChatService interface {
	GenerateReply(ctx context.Context, id types.ConversationID, message string) (types.ReplyResult, error)
	ResetConversation(ctx context.Context, id types.ConversationID) error
	GetConversationHistory(id types.ConversationID) []types.Message
}

type askOptions struct {
	ConversationID string
	Message        string
	Timeout        time.Duration
	ShowTokens     bool
}

func newAskCommand(log *logger.Logger) *cobra.Command {
	var (
		opts       askOptions
		timeoutSec int
	)
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Chat with the knowledge base from the terminal",
		Long:  "Runs the reply engine in-process. With a message it answers once; otherwise it starts a REPL (/reset, /history, /exit).",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, app.Options{Version: Version})
			if err != nil {
				return err
			}
			defer a.Close()
			a.Start(ctx)

			opts.Timeout = time.Duration(timeoutSec) * time.Second
			if opts.Message == "" && len(args) > 0 {
				opts.Message = strings.Join(args, " ")
			}
			log.Debug("Starting ask session", "conversation_id", opts.ConversationID)
			return runAsk(ctx, cmd, a.Services.Chat, opts)
		},
	}
	cmd.Flags().StringVar(&opts.ConversationID, "conversation", "cli", "conversation id for this session")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "single message to send (non-interactive mode)")
	cmd.Flags().IntVar(&timeoutSec, "timeout-sec", 120, "per-turn timeout in seconds")
	cmd.Flags().BoolVar(&opts.ShowTokens, "tokens", false, "print token accounting after each reply")
	return cmd
}

func runAsk(ctx context.Context, cmd *cobra.Command, chat ChatService, opts askOptions) error {
	id := strings.TrimSpace(opts.ConversationID)
	if id == "" {
		return fmt.Errorf("conversation id required")
	}
	if text := strings.TrimSpace(opts.Message); text != "" {
		return askOnce(ctx, cmd, chat, id, text, opts)
	}

	cmd.Printf("Conversation %q. Commands: /reset, /history, /exit.\n", id)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		cmd.Print("you> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		switch {
		case text == "":
			continue
		case text == "/exit" || text == "/quit":
			return nil
		case text == "/history":
			printHistory(cmd, chat.GetConversationHistory(id))
			continue
		case strings.EqualFold(text, "/reset"):
			if err := chat.ResetConversation(ctx, id); err != nil {
				cmd.PrintErrf("reset failed: %v\n", err)
				continue
			}
			cmd.Println("(conversation reset)")
			continue
		}
		if err := askOnce(ctx, cmd, chat, id, text, opts); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			cmd.PrintErrf("reply failed: %v\n", err)
		}
	}
	return scanner.Err()
}

func askOnce(ctx context.Context, cmd *cobra.Command, chat ChatService, id, text string, opts askOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := chat.GenerateReply(ctx, id, text)
	if err != nil {
		return err
	}
	printReply(cmd, out.Response)
	if opts.ShowTokens {
		t := out.Tokens
		cmd.Printf("      [tokens request=%d knowledge=%d user=%d conversation=%d completion=%d limit=%d knowledge_applied=%t trimmed=%t]\n",
			t.RequestTokens, t.KnowledgeTokens, t.UserTokens, t.ConversationTokens, t.CompletionTokens, t.TokenLimit,
			t.KnowledgeApplied, t.HistoryTrimmed)
	}
	return nil
}

func printReply(cmd *cobra.Command, reply string) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		cmd.Println("bot> (no reply)")
		return
	}
	for i, line := range strings.Split(reply, "\n") {
		line = strings.TrimRight(line, "\r")
		if i == 0 {
			cmd.Printf("bot> %s\n", line)
			continue
		}
		cmd.Printf("     %s\n", line)
	}
}

func printHistory(cmd *cobra.Command, messages []types.Message) {
	for i, m := range messages {
		cmd.Printf("%2d %-9s %s\n", i, m.Role, strings.ReplaceAll(m.Content, "\n", " "))
	}
}

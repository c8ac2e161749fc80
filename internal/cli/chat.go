package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bookverse/chat/internal/api"
	"github.com/bookverse/chat/internal/chat"
	"github.com/bookverse/chat/internal/logger"
	"github.com/bookverse/chat/internal/realtime"
)

var (
	flagAttach   string
	flagBookLink string
)

func init() {
	sendCmd.Flags().StringVar(&flagAttach, "attach", "", "file to attach (kind is guessed from its type)")
	sendCmd.Flags().StringVar(&flagBookLink, "book", "", "book link to share")
	rootCmd.AddCommand(conversationsCmd, startCmd, historyCmd, sendCmd, openCmd)
}

func parseConversationID(s string) (chat.ConversationID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return chat.ConversationID(n), nil
}

// newService opens a signed-in chat session. The event socket is only dialed
// when live is set.
func newService(ctx context.Context, live bool) (*chat.Service, func(), error) {
	c, sess, err := apiClient()
	if err != nil {
		return nil, nil, err
	}
	rt := realtime.NewClient(cfg.WSURL, realtime.Options{Authorizer: c, Logger: logger.Log})
	if live {
		if err := rt.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect %s: %w", cfg.WSURL, err)
		}
	}
	svc := chat.NewService(c, rt, sess, chat.Options{EchoTolerance: cfg.EchoTolerance, Logger: logger.Log})
	return svc, func() {
		svc.Close()
		rt.Close()
	}, nil
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := newService(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()
		convs, err := svc.Conversations(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range convs {
			printConversation(cmd.OutOrStdout(), c, svc.Me())
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Start (or find) the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		svc, done, err := newService(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()
		c, err := svc.StartConversation(cmd.Context(), chat.UserID(uid))
		if err != nil {
			return err
		}
		printConversation(cmd.OutOrStdout(), *c, svc.Me())
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		svc, done, err := newService(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()
		msgs, err := svc.Store().LoadHistory(cmd.Context(), id)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(cmd.OutOrStdout(), m, svc.Me())
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send one message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		var body string
		if len(args) == 2 {
			body = args[1]
		}
		att, err := attachmentFromFlags()
		if err != nil {
			return err
		}
		svc, done, err := newService(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer done()
		m, err := svc.Send(cmd.Context(), id, body, att)
		if err != nil {
			return err
		}
		printMessage(cmd.OutOrStdout(), *m, svc.Me())
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Follow a conversation live; each line typed on stdin is sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, done, err := newService(ctx, true)
		if err != nil {
			return err
		}
		defer done()

		out := cmd.OutOrStdout()
		p := &transcriptPrinter{w: out, me: svc.Me(), seen: make(map[chat.MessageID]chat.Status)}
		svc.OnChange(func(changed chat.ConversationID) {
			if changed == id {
				p.print(svc.Messages(id))
			}
		})

		sub, history, err := svc.OpenConversation(ctx, id)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		p.print(history)

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
				if strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := svc.Send(ctx, id, line, nil); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "send failed: %v\n", err)
				}
			}
		}
	},
}

func attachmentFromFlags() (*chat.Attachment, error) {
	switch {
	case flagAttach != "" && flagBookLink != "":
		return nil, fmt.Errorf("use either --attach or --book")
	case flagBookLink != "":
		return &chat.Attachment{Kind: chat.KindBookLink, URI: flagBookLink}, nil
	case flagAttach != "":
		path, err := filepath.Abs(flagAttach)
		if err != nil {
			return nil, err
		}
		ct := mime.TypeByExtension(filepath.Ext(path))
		return &chat.Attachment{
			Kind:     kindFor(ct),
			URI:      "file://" + path,
			Name:     filepath.Base(path),
			MIMEType: ct,
		}, nil
	default:
		return nil, nil
	}
}

func kindFor(contentType string) chat.AttachmentKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return chat.KindImage
	case strings.HasPrefix(contentType, "video/"):
		return chat.KindVideo
	case strings.HasPrefix(contentType, "audio/"):
		return chat.KindAudio
	default:
		return chat.KindFile
	}
}

// transcriptPrinter prints each message once, and again when its status
// changes.
type transcriptPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	me   chat.UserID
	seen map[chat.MessageID]chat.Status
}

func (p *transcriptPrinter) print(msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if st, ok := p.seen[m.ID]; ok && st == m.Status {
			continue
		}
		// a confirmed message already shown under its local id
		if m.ClientMsgID != "" {
			if _, ok := p.seen[chat.LocalMessageID(m.ClientMsgID)]; ok && m.Status == chat.StatusConfirmed {
				p.seen[m.ID] = m.Status
				continue
			}
		}
		p.seen[m.ID] = m.Status
		printMessage(p.w, m, p.me)
	}
}

func printConversation(w io.Writer, c chat.Conversation, me chat.UserID) {
	name := "?"
	if other, ok := c.Other(me); ok {
		name = other.Username
	}
	when := ""
	if c.LastTime != nil {
		when = c.LastTime.Local().Format(time.DateTime)
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d new)", c.UnreadCount)
	}
	fmt.Fprintf(w, "#%d  %s%s  %s  %s\n", c.ID, name, unread, when, c.LastMessage)
}

func printMessage(w io.Writer, m chat.Message, me chat.UserID) {
	who := strconv.FormatUint(uint64(m.AuthorID), 10)
	if m.AuthorID == me {
		who = "me"
	}
	text := m.Body
	if m.Attachment != nil {
		text = strings.TrimSpace(fmt.Sprintf("%s [%s %s]", text, m.Attachment.Kind, m.Attachment.URI))
	}
	mark := ""
	switch m.Status {
	case chat.StatusPending:
		mark = " …"
	case chat.StatusFailed:
		mark = " (failed)"
	}
	fmt.Fprintf(w, "%s %s: %s%s\n", m.CreatedAt.Local().Format(time.TimeOnly), who, text, mark)
}

var _ chat.Backend = (*api.Client)(nil)

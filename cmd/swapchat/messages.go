package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/npezzotti/swapchat/internal/client"
	"github.com/npezzotti/swapchat/internal/types"
	"github.com/spf13/cobra"
)

const historyLimit = 50

func newLoginCmd(opts *globalOpts) *cobra.Command {
	var (
		email    string
		password string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := client.NewAPI(opts.server, "")
			user, err := api.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Logged in as %s\n", user.Username)
			fmt.Fprintf(out, "export SWAPCHAT_TOKEN=%s\n", api.Token())
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	cmd.Flags().StringVar(&password, "password", "", "account password (required)")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	return cmd
}

func newThreadsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List your message threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}

			threads, err := api.ListThreads(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(threads) == 0 {
				fmt.Fprintln(out, "No threads")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWITH\tACTIVE\tLAST MESSAGE")
			for _, t := range threads {
				names := make([]string, 0, len(t.Participants))
				for _, p := range t.Participants {
					names = append(names, p.Username)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", t.Id, strings.Join(names, ", "), t.IsActive, formatTime(t.LastMessageAt))
			}
			return w.Flush()
		},
	}
}

// printer writes timeline and typing changes as events arrive.
type printer struct {
	mu       sync.Mutex
	out      io.Writer
	threadId string
	timeline *client.Timeline
	typing   *client.TypingTracker
	shown    map[string]bool
	typists  string
}

func (p *printer) HandleEvent(env *types.Envelope) bool {
	switch {
	case p.timeline.HandleEvent(env):
		p.printNew()
	case p.typing.HandleEvent(env):
		p.printTyping()
	default:
		return false
	}
	return true
}

func (p *printer) printNew() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.timeline.Entries() {
		if e.Pending || p.shown[e.Id] {
			continue
		}
		p.shown[e.Id] = true
		fmt.Fprintf(p.out, "[%s] %s: %s\n", e.CreatedAt.Local().Format("15:04"), e.Sender.Username, e.Content)
	}
}

func (p *printer) printTyping() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var names []string
	for _, n := range p.typing.Typing(p.threadId) {
		names = append(names, n.Username)
	}
	typists := strings.Join(names, ", ")
	if typists == p.typists {
		return
	}
	p.typists = typists
	if typists != "" {
		fmt.Fprintf(p.out, "... %s typing\n", typists)
	}
}

func newListenCmd(opts *globalOpts) *cobra.Command {
	var threadId string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Follow a thread's messages and typing in real time",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			user, err := api.Session(ctx)
			if err != nil {
				return err
			}

			page, err := api.ListMessages(ctx, threadId, 1, historyLimit)
			if err != nil {
				return err
			}

			p := &printer{
				out:      cmd.OutOrStdout(),
				threadId: threadId,
				timeline: client.NewTimeline(user, threadId),
				typing:   client.NewTypingTracker(user.Id, client.DefaultTypingTTL),
				shown:    make(map[string]bool),
			}
			p.timeline.Load(page.Messages)
			p.printNew()

			conn, err := client.Dial(ctx, opts.server, api.Token(), newLogger())
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.Emit(types.EventJoinThreadRoom, types.ThreadRoomPayload{ThreadId: threadId}); err != nil {
				return err
			}

			err = conn.Run(ctx, p)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&threadId, "thread", "", "thread ID (required)")
	cmd.MarkFlagRequired("thread")
	return cmd
}

func newSendCmd(opts *globalOpts) *cobra.Command {
	var (
		threadId string
		text     string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			user, err := api.Session(ctx)
			if err != nil {
				return err
			}

			timeline := client.NewTimeline(user, threadId)
			pending, err := timeline.AddPending(text)
			if err != nil {
				return err
			}

			msg, err := api.SendMessage(ctx, threadId, text, pending.ClientToken)
			if err != nil {
				timeline.Fail(pending.TempId)
				return fmt.Errorf("message not sent: %w", err)
			}
			timeline.Confirm(pending.TempId, msg)

			fmt.Fprintf(cmd.OutOrStdout(), "Sent message %s to thread %s\n", msg.Id, threadId)
			return nil
		},
	}

	cmd.Flags().StringVar(&threadId, "thread", "", "thread ID (required)")
	cmd.Flags().StringVar(&text, "text", "", "message text (required)")
	cmd.MarkFlagRequired("thread")
	cmd.MarkFlagRequired("text")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

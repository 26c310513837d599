package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/obra/overstory/internal/events"
	"github.com/obra/overstory/internal/mail"
	"github.com/obra/overstory/internal/nudge"
	"github.com/obra/overstory/internal/oserr"
	"github.com/obra/overstory/internal/session"
	"github.com/obra/overstory/internal/style"
)

var mailCmd = &cobra.Command{
	Use:     "mail",
	GroupID: GroupMail,
	Short:   "Send and read inter-agent mail",
	Long: `The mail bus is the durable channel agents coordinate through. Messages
address a single agent by name, every active agent via @all, or a capability
group via @builder (the plural form also works).`,
}

var (
	mailSendTo       string
	mailSendFrom     string
	mailSendSubject  string
	mailSendBody     string
	mailSendType     string
	mailSendPriority string
	mailSendPayload  string
	mailSendJSON     bool
)

var mailSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message",
	Long: `Send a message to an agent or group. Protocol types (worker_done,
merge_ready, merged, merge_failed, escalation, health_check, dispatch,
assign) and high or urgent priority drop a pending nudge for the recipient.`,
	Args: cobra.NoArgs,
	RunE: runMailSend,
}

var (
	mailCheckAgent  string
	mailCheckInject bool
	mailCheckJSON   bool
)

var mailCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Read and mark unread mail for an agent",
	Long: `Return the agent's unread messages, oldest first, marking each one read.
With --inject (the hook path) any pending nudge marker is consumed first and
its priority banner printed ahead of the inbox.

Exits 1 when the inbox is empty, so hooks can skip injection cheaply.`,
	Args: cobra.NoArgs,
	RunE: runMailCheck,
}

var (
	mailListFrom   string
	mailListTo     string
	mailListUnread bool
	mailListLimit  int
	mailListJSON   bool
)

var mailListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages, newest first",
	Args:  cobra.NoArgs,
	RunE:  runMailList,
}

var mailReadJSON bool

var mailReadCmd = &cobra.Command{
	Use:   "read <message-id>",
	Short: "Show one message and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailRead,
}

var (
	mailReplyFrom     string
	mailReplySubject  string
	mailReplyBody     string
	mailReplyType     string
	mailReplyPriority string
	mailReplyJSON     bool
)

var mailReplyCmd = &cobra.Command{
	Use:   "reply <message-id>",
	Short: "Reply to a message on its thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailReply,
}

var (
	mailPurgeAll   bool
	mailPurgeAgent string
	mailPurgeOlder time.Duration
)

var mailPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete messages",
	Long: `Delete messages by recipient, by age, or everything with --all.
With no selector nothing is deleted.`,
	Args: cobra.NoArgs,
	RunE: runMailPurge,
}

func init() {
	mailSendCmd.Flags().StringVar(&mailSendTo, "to", "", "Recipient: agent name, @all, or @<capability>")
	mailSendCmd.Flags().StringVar(&mailSendFrom, "from", "", "Sender (defaults to $OVERSTORY_AGENT)")
	mailSendCmd.Flags().StringVar(&mailSendSubject, "subject", "", "Subject line")
	mailSendCmd.Flags().StringVar(&mailSendBody, "body", "", "Message body")
	mailSendCmd.Flags().StringVar(&mailSendType, "type", "status", "Message type")
	mailSendCmd.Flags().StringVar(&mailSendPriority, "priority", "normal", "Priority: low, normal, high, urgent")
	mailSendCmd.Flags().StringVar(&mailSendPayload, "payload", "", "Protocol payload JSON")
	mailSendCmd.Flags().BoolVar(&mailSendJSON, "json", false, "Output delivered messages as JSON")

	mailCheckCmd.Flags().StringVar(&mailCheckAgent, "agent", "", "Agent to check (defaults to $OVERSTORY_AGENT)")
	mailCheckCmd.Flags().BoolVar(&mailCheckInject, "inject", false, "Consume the pending nudge and print its banner first")
	mailCheckCmd.Flags().BoolVar(&mailCheckJSON, "json", false, "Output as JSON")

	mailListCmd.Flags().StringVar(&mailListFrom, "from", "", "Filter by sender")
	mailListCmd.Flags().StringVar(&mailListTo, "to", "", "Filter by recipient")
	mailListCmd.Flags().BoolVar(&mailListUnread, "unread", false, "Only unread messages")
	mailListCmd.Flags().IntVarP(&mailListLimit, "limit", "n", 50, "Maximum messages to show")
	mailListCmd.Flags().BoolVar(&mailListJSON, "json", false, "Output as JSON")

	mailReadCmd.Flags().BoolVar(&mailReadJSON, "json", false, "Output as JSON")

	mailReplyCmd.Flags().StringVar(&mailReplyFrom, "from", "", "Sender (defaults to $OVERSTORY_AGENT)")
	mailReplyCmd.Flags().StringVar(&mailReplySubject, "subject", "", "Subject (defaults to Re: the original)")
	mailReplyCmd.Flags().StringVar(&mailReplyBody, "body", "", "Message body")
	mailReplyCmd.Flags().StringVar(&mailReplyType, "type", "status", "Message type")
	mailReplyCmd.Flags().StringVar(&mailReplyPriority, "priority", "normal", "Priority")
	mailReplyCmd.Flags().BoolVar(&mailReplyJSON, "json", false, "Output as JSON")

	mailPurgeCmd.Flags().BoolVar(&mailPurgeAll, "all", false, "Delete every message")
	mailPurgeCmd.Flags().StringVar(&mailPurgeAgent, "agent", "", "Delete messages addressed to this agent")
	mailPurgeCmd.Flags().DurationVar(&mailPurgeOlder, "older-than", 0, "Delete messages older than this duration")

	mailCmd.AddCommand(mailSendCmd, mailCheckCmd, mailListCmd, mailReadCmd, mailReplyCmd, mailPurgeCmd)
	rootCmd.AddCommand(mailCmd)
}

// openMail builds the protocol client over the mail, session, and event
// stores. The returned closer releases all three.
func openMail(p *proj) (*mail.Client, func(), error) {
	store, err := mail.Open(p.Root.MailDB())
	if err != nil {
		return nil, nil, err
	}
	reg, err := session.OpenRegistry(p.Root.SessionsDB())
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	ev, err := events.Open(p.Root.EventsDB())
	if err != nil {
		_ = store.Close()
		_ = reg.Close()
		return nil, nil, err
	}
	nudges, err := nudge.NewLayer(p.Root.PendingNudgesDir())
	if err != nil {
		_ = store.Close()
		_ = reg.Close()
		_ = ev.Close()
		return nil, nil, err
	}

	client := &mail.Client{
		Store:    store,
		Sessions: reg,
		Events:   ev,
		Nudges:   nudges,
		RunID:    p.currentRunID(),
		Warnings: os.Stderr,
	}
	closer := func() {
		_ = store.Close()
		_ = reg.Close()
		_ = ev.Close()
	}
	return client, closer, nil
}

func runMailSend(cmd *cobra.Command, args []string) error {
	if mailSendTo == "" {
		return &oserr.ValidationError{Field: "to", Msg: "recipient required"}
	}
	if mailSendSubject == "" {
		return &oserr.ValidationError{Field: "subject", Msg: "subject required"}
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	client, closer, err := openMail(p)
	if err != nil {
		return err
	}
	defer closer()

	msg := &mail.Message{
		From:     callerAgent(mailSendFrom),
		To:       mailSendTo,
		Subject:  mailSendSubject,
		Body:     mailSendBody,
		Type:     mail.MessageType(mailSendType),
		Priority: mail.Priority(mailSendPriority),
		Payload:  mailSendPayload,
	}
	delivered, err := client.Send(msg)
	if err != nil {
		return err
	}

	if mailSendJSON {
		return printJSON(delivered)
	}
	for _, m := range delivered {
		fmt.Printf("%s %s → %s (%s)\n", style.SuccessPrefix, m.ID, m.To, m.Type)
	}
	return nil
}

func runMailCheck(cmd *cobra.Command, args []string) error {
	agent := callerAgent(mailCheckAgent)

	p, err := openProject()
	if err != nil {
		return err
	}
	client, closer, err := openMail(p)
	if err != nil {
		return err
	}
	defer closer()

	var (
		banner string
		msgs   []*mail.Message
	)
	if mailCheckInject {
		banner, msgs, err = client.CheckInject(agent)
	} else {
		msgs, err = client.Check(agent)
	}
	if err != nil {
		return err
	}

	if mailCheckJSON {
		return printJSON(map[string]any{"banner": banner, "messages": msgs})
	}
	if banner != "" {
		fmt.Println(style.Warning.Render(banner))
	}
	if len(msgs) == 0 && banner == "" {
		// An empty inbox is success. The inject path stays silent so
		// hooks paste nothing into the prompt.
		if !mailCheckInject {
			fmt.Println(style.Dim.Render("no mail"))
		}
		return nil
	}
	for _, m := range msgs {
		printMessage(m, false)
	}
	return nil
}

func runMailList(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	store, err := mail.Open(p.Root.MailDB())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	msgs, err := store.GetAll(mail.ListOptions{
		From:   mailListFrom,
		To:     mailListTo,
		Unread: mailListUnread,
		Limit:  mailListLimit,
	})
	if err != nil {
		return err
	}
	if mailListJSON {
		return printJSON(msgs)
	}
	if len(msgs) == 0 {
		fmt.Println(style.Dim.Render("no messages"))
		return nil
	}
	for _, m := range msgs {
		flag := " "
		if !m.Read {
			flag = style.Bold.Render("*")
		}
		fmt.Printf("%s %s  %s → %s  [%s/%s]  %s\n",
			flag, m.ID, m.From, m.To, m.Type, m.Priority, m.Subject)
	}
	return nil
}

func runMailRead(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	store, err := mail.Open(p.Root.MailDB())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	m, err := store.GetByID(args[0])
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("no such message: %s", args[0])
	}
	if err := store.MarkRead(m.ID); err != nil {
		return err
	}
	if mailReadJSON {
		return printJSON(m)
	}
	printMessage(m, true)
	return nil
}

func runMailReply(cmd *cobra.Command, args []string) error {
	if mailReplyBody == "" {
		return &oserr.ValidationError{Field: "body", Msg: "body required"}
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	client, closer, err := openMail(p)
	if err != nil {
		return err
	}
	defer closer()

	sent, err := client.Reply(callerAgent(mailReplyFrom), args[0], &mail.Message{
		Subject:  mailReplySubject,
		Body:     mailReplyBody,
		Type:     mail.MessageType(mailReplyType),
		Priority: mail.Priority(mailReplyPriority),
	})
	if err != nil {
		return err
	}
	if mailReplyJSON {
		return printJSON(sent)
	}
	fmt.Printf("%s %s → %s on thread %s\n", style.SuccessPrefix, sent.ID, sent.To, sent.ThreadID)
	return nil
}

func runMailPurge(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	store, err := mail.Open(p.Root.MailDB())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.Purge(mail.PurgeOptions{
		All:         mailPurgeAll,
		Agent:       mailPurgeAgent,
		OlderThanMs: mailPurgeOlder.Milliseconds(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s purged %d message(s)\n", style.SuccessPrefix, n)
	return nil
}

func printMessage(m *mail.Message, full bool) {
	fmt.Printf("%s  %s → %s  [%s/%s]\n", style.Info.Render(m.ID), m.From, m.To, m.Type, m.Priority)
	fmt.Printf("  %s  %s\n", style.Bold.Render(m.Subject), style.Dim.Render(m.CreatedAt.Format(time.RFC3339)))
	if m.Body != "" {
		fmt.Printf("  %s\n", m.Body)
	}
	if full && m.Payload != "" {
		fmt.Printf("  payload: %s\n", m.Payload)
	}
	if full && m.ThreadID != "" {
		fmt.Printf("  thread: %s\n", m.ThreadID)
	}
}

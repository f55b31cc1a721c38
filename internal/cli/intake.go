package cli

import (
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/KafClaw/KafPage/internal/events"
	"github.com/KafClaw/KafPage/internal/intake"
	"github.com/spf13/cobra"
)

var (
	intakeTo      []string
	intakeFrom    string
	intakeSubject string
)

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Feed alerts into KafPage by hand",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var intakeFileCmd = &cobra.Command{
	Use:   "file <message.eml>",
	Short: "Register pages for a raw RFC 5322 message",
	Long: "Parses the message, creates one page per recipient team and queues the\n" +
		"first escalation step for the running driver.",
	Args: cobra.ExactArgs(1),
	RunE: runIntakeFile,
}

func init() {
	intakeFileCmd.Flags().StringSliceVar(&intakeTo, "to", nil, "Team addresses (defaults to the To and Cc headers)")
	intakeFileCmd.Flags().StringVar(&intakeFrom, "from", "", "Sender (defaults to the From header)")
	intakeFileCmd.Flags().StringVar(&intakeSubject, "subject", "", "Subject (defaults to the Subject header)")
	intakeCmd.AddCommand(intakeFileCmd)
}

// notificationFromFile builds a notification from a raw message, letting
// explicit values override its headers.
func notificationFromFile(raw []byte, to []string, from, subject string) (intake.Notification, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return intake.Notification{}, fmt.Errorf("parse message: %w", err)
	}
	body, err := intake.ParseBody(raw)
	if err != nil {
		return intake.Notification{}, err
	}

	n := intake.Notification{
		From:      firstNonEmpty(from, msg.Header.Get("From")),
		Subject:   firstNonEmpty(subject, msg.Header.Get("Subject")),
		MessageID: strings.Trim(msg.Header.Get("Message-Id"), "<> "),
		Body:      body,
	}
	if len(to) > 0 {
		n.Recipients = to
	} else {
		for _, field := range []string{"To", "Cc"} {
			list, err := msg.Header.AddressList(field)
			if err != nil {
				continue
			}
			for _, addr := range list {
				n.Recipients = append(n.Recipients, addr.Address)
			}
		}
	}
	if len(n.Recipients) == 0 {
		return intake.Notification{}, fmt.Errorf("message has no recipients")
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func runIntakeFile(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	n, err := notificationFromFile(raw, intakeTo, intakeFrom, intakeSubject)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	h := rt.handler(nil, queueStarter{pages: rt.pages, schedule: rt.store}, events.Discard{})
	created, err := h.Handle(cmd.Context(), n)
	if jsonOutput {
		if werr := writeJSON(cmd.OutOrStdout(), map[string]any{"created": created}); werr != nil {
			return werr
		}
		return err
	}
	for _, id := range created {
		fmt.Fprintf(cmd.OutOrStdout(), "page %s queued\n", id)
	}
	if len(created) == 0 && err == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no new pages")
	}
	return err
}

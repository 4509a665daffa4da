package client

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/mev/internal/lmtp"
)

// NewLMTPCommand constructs the `lmtp` command group.
func NewLMTPCommand() *cobra.Command {
	lmtpCmd := &cobra.Command{Use: "lmtp", Short: "LMTP delivery"}

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver a message over LMTP and print each recipient's status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetStringSlice("to")
			file, _ := cmd.Flags().GetString("file")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if len(to) == 0 {
				return fmt.Errorf("at least one --to is required")
			}
			var body io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				body = f
			}
			statuses, err := lmtp.DeliverWithOptions(cmd.Context(), addr, from, to, body, lmtp.ClientOptions{Timeout: timeout})
			if err != nil {
				return err
			}
			failed := 0
			for _, st := range statuses {
				if st.OK() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", st.Recipient)
					continue
				}
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d %s\n", st.Recipient, st.Code, strings.TrimSpace(st.Message))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d recipients failed", failed, len(statuses))
			}
			return nil
		},
	}
	sendCmd.Flags().String("addr", lmtpAddrFromEnv(), "LMTP server address (host:port)")
	sendCmd.Flags().String("from", "", "Envelope sender")
	sendCmd.Flags().StringSlice("to", nil, "Envelope recipients")
	sendCmd.Flags().StringP("file", "f", "-", "RFC 5322 message file (- for stdin)")
	sendCmd.Flags().Duration("timeout", 30*time.Second, "Dial and session timeout")
	lmtpCmd.AddCommand(sendCmd)
	return lmtpCmd
}

func lmtpAddrFromEnv() string {
	if addr := os.Getenv("MEV_LMTP_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:7025"
}

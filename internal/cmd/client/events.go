package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rzbill/mev/internal/event"
)

// NewEventCommand constructs the `event` command group and subcommands.
func NewEventCommand(baseURL BaseURLFunc) *cobra.Command {
	eventCmd := &cobra.Command{Use: "event", Short: "Event log operations"}
	eventCmd.AddCommand(
		newEventLogCommand(baseURL),
		newEventQueryCommand(baseURL),
		newEventDeleteCommand(baseURL),
		newEventFlushCommand(baseURL),
		newEventFlagCommand(baseURL),
	)
	return eventCmd
}

// newEventLogCommand constructs the `event log` subcommand. Events come from
// flags, or from --file as a JSON array ("-" reads stdin).
func newEventLogCommand(baseURL BaseURLFunc) *cobra.Command {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Log one event from flags or a batch from a JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, _ := cmd.Flags().GetString("file")
			var events []event.Event
			if file != "" {
				f := os.Stdin
				if file != "-" {
					var err error
					if f, err = os.Open(file); err != nil {
						return err
					}
					defer f.Close()
				}
				if err := json.NewDecoder(f).Decode(&events); err != nil {
					return fmt.Errorf("decode %s: %w", file, err)
				}
			} else {
				e, err := eventFromFlags(cmd)
				if err != nil {
					return err
				}
				events = append(events, e)
			}
			var resp struct {
				Accepted int `json:"accepted"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/events", map[string]any{"events": events}, &resp); err != nil {
				var apiErr *apiError
				if errors.As(err, &apiErr) && apiErr.Accepted > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "accepted: %d of %d\n", apiErr.Accepted, len(events))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted: %d\n", resp.Accepted)
			return nil
		},
	}
	logCmd.Flags().StringP("account", "a", "", "Account id")
	logCmd.Flags().StringP("type", "t", "", "Event type: sent|received|seen|read|replied|affinity|deleted")
	logCmd.Flags().String("at", "", "Event time: RFC3339 or ms (default now)")
	logCmd.Flags().String("datasource", "", "Data source id")
	logCmd.Flags().Int64("msg-id", 0, "Message id")
	logCmd.Flags().String("sender", "", "Sender address")
	logCmd.Flags().String("receiver", "", "Receiver address")
	logCmd.Flags().String("subject", "", "Message subject")
	logCmd.Flags().StringArray("ctx", nil, "Extra context key=value (repeatable)")
	logCmd.Flags().StringP("file", "f", "", "JSON array of events to log (- for stdin)")
	return logCmd
}

func eventFromFlags(cmd *cobra.Command) (event.Event, error) {
	account, _ := cmd.Flags().GetString("account")
	typ, _ := cmd.Flags().GetString("type")
	at, _ := cmd.Flags().GetString("at")
	ds, _ := cmd.Flags().GetString("datasource")
	msgID, _ := cmd.Flags().GetInt64("msg-id")
	sender, _ := cmd.Flags().GetString("sender")
	receiver, _ := cmd.Flags().GetString("receiver")
	subject, _ := cmd.Flags().GetString("subject")
	extra, _ := cmd.Flags().GetStringArray("ctx")

	t, err := event.ParseType(typ)
	if err != nil {
		return event.Event{}, err
	}
	ts := time.Now()
	if at != "" {
		ms, err := parseTime(at)
		if err != nil {
			return event.Event{}, err
		}
		ts = time.UnixMilli(ms)
	}
	e := event.New(account, t, ts)
	e.DataSourceID = ds
	if msgID != 0 {
		e.Set(event.FieldMsgID, msgID)
	}
	for f, v := range map[event.ContextField]string{event.FieldSender: sender, event.FieldReceiver: receiver, event.FieldSubject: subject} {
		if v != "" {
			e.Set(f, v)
		}
	}
	for _, kv := range extra {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return event.Event{}, fmt.Errorf("invalid --ctx %q; expected key=value", kv)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.Set(event.ContextField(k), n)
		} else {
			e.Set(event.ContextField(k), v)
		}
	}
	return e, e.Validate()
}

// newEventQueryCommand constructs the `event query` subcommand.
func newEventQueryCommand(baseURL BaseURLFunc) *cobra.Command {
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query an account's stored events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			account, _ := cmd.Flags().GetString("account")
			types, _ := cmd.Flags().GetStringSlice("type")
			ds, _ := cmd.Flags().GetString("datasource")
			contact, _ := cmd.Flags().GetString("contact")
			since, _ := cmd.Flags().GetString("since")
			until, _ := cmd.Flags().GetString("until")
			after, _ := cmd.Flags().GetUint64("after")
			limit, _ := cmd.Flags().GetInt("limit")
			reverse, _ := cmd.Flags().GetBool("reverse")

			q := url.Values{}
			q.Set("account", account)
			if len(types) > 0 {
				q.Set("type", strings.Join(types, ","))
			}
			if ds != "" {
				q.Set("datasource", ds)
			}
			if contact != "" {
				q.Set("contact", contact)
			}
			for name, v := range map[string]string{"since_ms": since, "until_ms": until} {
				ms, err := parseTime(v)
				if err != nil {
					return err
				}
				if ms != 0 {
					q.Set(name, strconv.FormatInt(ms, 10))
				}
			}
			if after > 0 {
				q.Set("after", strconv.FormatUint(after, 10))
			}
			q.Set("limit", strconv.Itoa(limit))
			if reverse {
				q.Set("reverse", "true")
			}
			var resp map[string]any
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/events?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	queryCmd.Flags().StringP("account", "a", "", "Account id")
	queryCmd.Flags().StringSliceP("type", "t", nil, "Event types (combined selects sent and received)")
	queryCmd.Flags().String("datasource", "", "Only this data source")
	queryCmd.Flags().String("contact", "", "Sender or receiver address")
	queryCmd.Flags().String("since", "", "Lower time bound: RFC3339 or ms")
	queryCmd.Flags().String("until", "", "Upper time bound (exclusive): RFC3339 or ms")
	queryCmd.Flags().Uint64("after", 0, "Resume after this sequence number")
	queryCmd.Flags().Int("limit", 100, "Maximum records")
	queryCmd.Flags().Bool("reverse", false, "Newest first")
	return queryCmd
}

// newEventDeleteCommand constructs the `event delete` subcommand.
func newEventDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a data source's events, or all of an account's events and flags",
		RunE: func(cmd *cobra.Command, _ []string) error {
			account, _ := cmd.Flags().GetString("account")
			ds, _ := cmd.Flags().GetString("datasource")
			confirm, _ := cmd.Flags().GetBool("confirm")
			if ds == "" && !confirm {
				return fmt.Errorf("refusing to delete every event of %q without --confirm", account)
			}
			var resp struct {
				Deleted int `json:"deleted"`
			}
			body := map[string]string{"account": account, "datasource": ds}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/events/delete", body, &resp); err != nil {
				return err
			}
			if ds == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "deleted account", account)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted: %d\n", resp.Deleted)
			return nil
		},
	}
	deleteCmd.Flags().StringP("account", "a", "", "Account id")
	deleteCmd.Flags().String("datasource", "", "Only delete this data source")
	deleteCmd.Flags().Bool("confirm", false, "Confirm deleting the whole account")
	return deleteCmd
}

// newEventFlushCommand constructs the `event flush` subcommand.
func newEventFlushCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Flush buffered events to the sinks and print pipeline stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats map[string]any
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/events/flush", nil, &stats); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

// newEventFlagCommand constructs the `event flag` subcommand.
func newEventFlagCommand(baseURL BaseURLFunc) *cobra.Command {
	flagCmd := &cobra.Command{
		Use:   "flag",
		Short: "Advance a message's read state, logging the transition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			account, _ := cmd.Flags().GetString("account")
			msgID, _ := cmd.Flags().GetInt64("msg-id")
			sender, _ := cmd.Flags().GetString("sender")
			ds, _ := cmd.Flags().GetString("datasource")
			flag, _ := cmd.Flags().GetString("flag")
			sentByMe, _ := cmd.Flags().GetBool("sent-by-me")
			body := map[string]any{
				"account": account, "msg_id": msgID, "sender": sender,
				"datasource": ds, "flag": flag, "sent_by_me": sentByMe,
			}
			var resp struct {
				Advanced bool   `json:"advanced"`
				Flag     string `json:"flag"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/messages/flag", body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flag: %s advanced: %t\n", resp.Flag, resp.Advanced)
			return nil
		},
	}
	flagCmd.Flags().StringP("account", "a", "", "Account id")
	flagCmd.Flags().Int64("msg-id", 0, "Message id")
	flagCmd.Flags().String("sender", "", "Message sender")
	flagCmd.Flags().String("datasource", "", "Data source id")
	flagCmd.Flags().String("flag", "seen", "Target state: seen|read|replied")
	flagCmd.Flags().Bool("sent-by-me", false, "Mark the message as authored by the account")
	return flagCmd
}

package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewAnalyticsCommand constructs the `analytics` command group.
func NewAnalyticsCommand(baseURL BaseURLFunc) *cobra.Command {
	analyticsCmd := &cobra.Command{Use: "analytics", Short: "Contact analytics"}
	analyticsCmd.PersistentFlags().StringP("account", "a", "", "Account id")
	analyticsCmd.PersistentFlags().StringP("contact", "c", "", "Contact address")

	frequencyCmd := &cobra.Command{
		Use:   "frequency",
		Short: "Count mail exchanged with a contact",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := contactQuery(cmd)
			typ, _ := cmd.Flags().GetString("type")
			rng, _ := cmd.Flags().GetString("range")
			q.Set("type", typ)
			q.Set("range", rng)
			var resp struct {
				Count int64 `json:"count"`
			}
			if err := getAnalytics(cmd, baseURL, "frequency", q, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "count: %d\n", resp.Count)
			return nil
		},
	}
	frequencyCmd.Flags().String("type", "combined", "sent|received|combined")
	frequencyCmd.Flags().String("range", "forever", "last_day|last_week|last_month|forever")

	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Bucket mail exchanged with a contact over time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := contactQuery(cmd)
			rng, _ := cmd.Flags().GetString("range")
			q.Set("range", rng)
			if cmd.Flags().Changed("tz-offset") {
				tz, _ := cmd.Flags().GetInt("tz-offset")
				q.Set("tz_offset", strconv.Itoa(tz))
			}
			var resp map[string]any
			if err := getAnalytics(cmd, baseURL, "graph", q, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	graphCmd.Flags().String("range", "current_month", "current_month|last_six_months|current_year")
	graphCmd.Flags().Int("tz-offset", 0, "UTC offset in minutes (default: server setting)")

	openedCmd := &cobra.Command{
		Use:   "opened",
		Short: "Share of mail from a contact that was read",
		RunE:  ratioRunner(baseURL, "opened"),
	}
	repliedCmd := &cobra.Command{
		Use:   "replied",
		Short: "Share of mail from a contact that was answered",
		RunE:  ratioRunner(baseURL, "replied"),
	}

	timeCmd := &cobra.Command{
		Use:   "time-to-open",
		Short: "Average seconds from seen to read (account-wide without --contact)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := contactQuery(cmd)
			var resp struct {
				Seconds float64  `json:"seconds"`
				Ratio   *float64 `json:"ratio"`
			}
			if err := getAnalytics(cmd, baseURL, "time-to-open", q, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seconds: %.1f\n", resp.Seconds)
			if resp.Ratio != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "ratio: %.3f\n", *resp.Ratio)
			}
			return nil
		},
	}

	analyticsCmd.AddCommand(frequencyCmd, graphCmd, openedCmd, repliedCmd, timeCmd)
	return analyticsCmd
}

func contactQuery(cmd *cobra.Command) url.Values {
	account, _ := cmd.Flags().GetString("account")
	contact, _ := cmd.Flags().GetString("contact")
	q := url.Values{}
	q.Set("account", account)
	if contact != "" {
		q.Set("contact", contact)
	}
	return q
}

func getAnalytics(cmd *cobra.Command, baseURL BaseURLFunc, name string, q url.Values, out any) error {
	return doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/analytics/"+name+"?"+q.Encode(), nil, out)
}

func ratioRunner(baseURL BaseURLFunc, name string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		var resp struct {
			Value float64 `json:"value"`
		}
		if err := getAnalytics(cmd, baseURL, name, contactQuery(cmd), &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %.3f\n", name, resp.Value)
		return nil
	}
}

package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the mev client.
// It registers the event, analytics, lmtp and health command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "mev",
		Short: "mev client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands attaches the client command groups to parent.
func AddCommands(parent *cobra.Command, baseURL BaseURLFunc) {
	parent.AddCommand(
		NewEventCommand(baseURL),
		NewAnalyticsCommand(baseURL),
		NewLMTPCommand(),
		NewHealthCommand(),
	)
}

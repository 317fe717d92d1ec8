package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shineum/mail2room/internal/routing"
)

var routeRole string

var routeCmd = &cobra.Command{
	Use:   "route <address>",
	Short: "Show the rooms an address is routed to",
	Long: `Resolve a recipient address against the configured rooms and print the
matching rules in the order they are applied.`,
	Args: cobra.ExactArgs(1),
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().StringVar(&routeRole, "role", "to",
		"Header the address appears in: to, cc, bcc")
}

func runRoute(cmd *cobra.Command, args []string) error {
	role, err := routing.ParseRole(routeRole)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.Logging.Level)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	writeRoutes(cmd.OutOrStdout(), routing.NewTable(cfg.Rooms), args[0], role)
	return nil
}

func writeRoutes(w io.Writer, table *routing.Table, address string, role routing.Role) {
	address = strings.ToLower(strings.TrimSpace(address))
	rules := table.Resolve(address, role)
	if len(rules) == 0 {
		fmt.Fprintf(w, "%s (%s): no rooms\n", address, role)
		return
	}

	fmt.Fprintf(w, "%s (%s):\n", address, role)
	for _, r := range rules {
		var flags []string
		if r.Antispam != nil {
			flags = append(flags, "antispam")
		}
		if !r.AllowFromAnyone {
			flags = append(flags, "restricted-senders")
		}
		if r.Attachments.Post {
			flags = append(flags, "attachments")
		}
		if r.PostReplies {
			flags = append(flags, "replies")
		}
		if r.SkipDatabase {
			flags = append(flags, "no-store")
		}
		if len(flags) == 0 {
			fmt.Fprintf(w, "  %s\n", r.RoomID)
			continue
		}
		fmt.Fprintf(w, "  %s [%s]\n", r.RoomID, strings.Join(flags, " "))
	}
}

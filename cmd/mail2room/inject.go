package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/mail2room/internal/bridge"
	"github.com/shineum/mail2room/internal/parser"
)

var injectCmd = &cobra.Command{
	Use:   "inject <file.eml>...",
	Short: "Bridge stored messages without the SMTP listener",
	Long: `Parse each RFC 5322 message file and run it through routing, filtering
and delivery exactly as if it had been received over SMTP. A report of
every room evaluated is printed per message.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInject,
}

func runInject(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, path := range args {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		msg, err := parser.Parse(raw)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		writeReport(cmd.OutOrStdout(), path, a.bridge.Process(ctx, msg))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func writeReport(w io.Writer, source string, report bridge.Report) {
	fmt.Fprintf(w, "%s %s\n", source, report.MessageID)
	if report.Duplicate {
		fmt.Fprintln(w, "  duplicate, skipped")
		return
	}
	if len(report.Rooms) == 0 {
		fmt.Fprintln(w, "  no rooms")
		return
	}

	for _, r := range report.Rooms {
		if !r.Accepted {
			fmt.Fprintf(w, "  %s <- %s (%s): rejected %s: %s\n",
				r.RoomID, r.Target.Address, r.Target.Role, r.Reason, r.Detail)
			continue
		}

		status := "delivered"
		if !r.Delivered() {
			status = "failed"
		}
		fmt.Fprintf(w, "  %s <- %s (%s): %s", r.RoomID, r.Target.Address, r.Target.Role, status)
		for i, s := range r.Segments {
			fmt.Fprintf(w, " seg%d=%s/%d", i, s.Status, s.Attempts)
		}
		if r.AttachmentsPosted+r.AttachmentsFailed > 0 {
			fmt.Fprintf(w, " attachments=%d/%d", r.AttachmentsPosted, r.AttachmentsPosted+r.AttachmentsFailed)
		}
		fmt.Fprintln(w)
	}
}

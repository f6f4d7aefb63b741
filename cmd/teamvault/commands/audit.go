package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/teamvault/internal/audit"
	"github.com/systmms/teamvault/internal/config"
)

// NewAuditCommand creates the parent 'audit' command
func NewAuditCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(newAuditReportCmd(cfg), newAuditEventsCmd(cfg))
	return cmd
}

func newAuditReportCmd(cfg *config.Config) *cobra.Command {
	var (
		since  time.Duration
		format string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise access, denials, break-glass use and anomalies",
		Long: `Summarise the audit log: events by type, team and credential, every
denied access and break-glass use, and bursts of credential reads late at
night (more than 5 by one team within an hour between 22:00 and 06:00 UTC).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return err
			}
			from := time.Now().Add(-since)
			events, err := audit.ReadFile(cfg.Definition.AuditPath(), from, audit.SeverityInfo)
			if err != nil {
				return fmt.Errorf("failed to read audit log: %w", err)
			}
			report := audit.BuildReport(events, from)
			return writeOutput(cmd.OutOrStdout(), format, report, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Events since %s:\t%d\n", from.Local().Format("2006-01-02 15:04"), report.TotalEvents)
				fmt.Fprintln(w, "\nEVENT TYPE\tCOUNT")
				for _, k := range sortedKeys(report.ByEventType) {
					fmt.Fprintf(w, "%s\t%d\n", k, report.ByEventType[k])
				}
				fmt.Fprintln(w, "\nTEAM\tCOUNT")
				for _, k := range sortedKeys(report.ByTeam) {
					fmt.Fprintf(w, "%s\t%d\n", k, report.ByTeam[k])
				}
				fmt.Fprintf(w, "\nDenied accesses:\t%d\n", len(report.Denied))
				fmt.Fprintf(w, "Break-glass uses:\t%d\n", len(report.BreakGlass))
				for _, a := range report.Anomalies {
					fmt.Fprintf(w, "ANOMALY\t%s: team %s made %d reads at %02d:00 UTC\n", a.Type, a.Team, a.Count, a.Hour)
				}
			})
		},
	}

	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "Report window")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	return cmd
}

func newAuditEventsCmd(cfg *config.Config) *cobra.Command {
	var (
		since    time.Duration
		severity string
		format   string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			minSeverity, err := audit.ParseSeverity(severity)
			if err != nil {
				return err
			}
			if err := cfg.Load(); err != nil {
				return err
			}
			events, err := audit.ReadFile(cfg.Definition.AuditPath(), time.Now().Add(-since), minSeverity)
			if err != nil {
				return fmt.Errorf("failed to read audit log: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), format, events, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "TIME\tSEVERITY\tTYPE\tACTOR\tMESSAGE")
				for _, e := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.RFC3339),
						e.Severity, e.EventType, e.Actor, e.Message)
				}
			})
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Only events within this window")
	cmd.Flags().StringVar(&severity, "severity", "info", "Minimum severity: info, warning, critical")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	return cmd
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

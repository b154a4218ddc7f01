package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/approval"
	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/engine"
	"github.com/xela07ax/agentvault/internal/store"
)

// cliActor — от чьего имени пишутся действия оператора в терминале.
func cliActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func newResumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <component>",
		Short: "Clear the paused flag of a component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			component := args[0]
			if err := a.Pauses.Resume(cmd.Context(), component); err != nil {
				return fmt.Errorf("resume %s: %w", component, err)
			}
			a.DirectAuditor().Log(audit.New(cliActor(), "component.resume", audit.StatusSuccess).
				WithDetail("component", component))
			fmt.Fprintf(cmd.OutOrStdout(), "resumed %s\n", component)
			return nil
		},
	}
}

func newSummaryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the audit summary for the last seven days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := audit.NewTrail(a.AuditStorage).WeeklySummary(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
}

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Return stale claims of any agent to the backlog once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sw := engine.NewSweeper(a.Store, a.Clock, a.Cfg.Engine.ClaimTimeout, a.Cfg.Agent.ID, a.DirectAuditor(), nil, a.Logger)
			n, err := sw.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d\n", n)
			return nil
		},
	}
}

func newApprovalsCmd(configPath *string) *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approval requests in a stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			c, ok := map[string]store.Collection{
				"pending":   store.PendingApproval,
				"approved":  store.Approved,
				"rejected":  store.Rejected,
				"executing": store.Executing,
				"done":      store.Done,
			}[stage]
			if !ok {
				return fmt.Errorf("unknown stage %q", stage)
			}
			reqs, err := a.gate().List(cmd.Context(), c)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tACTION\tSTATUS\tREASON\tEXPIRES")
			for _, r := range reqs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Action.Type, r.Status, r.Reason, r.ExpiresAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "pending", "pending, approved, rejected, executing or done")
	return cmd
}

func newDecideCmd(configPath *string) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "decide <approval-id> approve|reject",
		Short: "Approve or reject a pending request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var approved bool
			switch args[1] {
			case "approve", "y", "yes":
				approved = true
			case "reject", "n", "no":
			default:
				return fmt.Errorf("decision must be approve or reject, got %q", args[1])
			}

			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.gate().Decide(cmd.Context(), args[0], approved, cliActor(), comment)
			switch {
			case errors.Is(err, approval.ErrExpired):
				return fmt.Errorf("%s has expired", args[0])
			case errors.Is(err, approval.ErrAlreadyDecided):
				return fmt.Errorf("%s was already decided", args[0])
			case err != nil:
				return err
			}
			a.Logger.Info("decision recorded", zap.String("approval_id", args[0]), zap.Bool("approved", approved))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "note stored with the decision")
	return cmd
}

// gate без политики и исполнителей: только чтение и решения.
func (a *app) gate() *approval.Gate {
	return approval.NewGate(a.Store, nil, nil, a.DirectAuditor(), a.Clock, approval.Config{
		AgentID: a.Cfg.Agent.ID,
		TTL:     a.Cfg.Approval.TTL,
	}, a.Logger)
}

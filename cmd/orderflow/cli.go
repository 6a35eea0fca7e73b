package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/orderflow/internal/config"
	"github.com/ehr/orderflow/internal/domain/diagnostics"
	"github.com/ehr/orderflow/internal/platform/db"
	"github.com/ehr/orderflow/internal/platform/hl7v2"
)

// withService loads config, opens the store and hands fn a service with no
// notifier attached. Used by the operator subcommands.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *diagnostics.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx, cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer st.Close()
	svc := diagnostics.NewService(st.orders, st.tickets, nil)
	svc.SetHL7Header(hl7Header(cfg))
	return fn(ctx, svc)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.StoreDriver != config.StorePostgres {
			fmt.Fprintln(cmd.OutOrStdout(), "SQLite schema is applied when the store is opened; nothing to do.")
			return nil
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, db.EmbeddedMigrations(), schema), schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect diagnostic orders",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <order-id>",
		Short: "Print an order with its audit trail as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}
			return withService(cmd, func(ctx context.Context, svc *diagnostics.Service) error {
				o, err := svc.GetOrder(ctx, id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), o)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "audit <order-id>",
		Short: "Print the audit trail of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}
			return withService(cmd, func(ctx context.Context, svc *diagnostics.Service) error {
				entries, err := svc.AuditTrail(ctx, id)
				if err != nil {
					return err
				}
				printAudit(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	})

	hl7Cmd := &cobra.Command{
		Use:   "hl7 <order-id>",
		Short: "Print an order as an HL7 v2 message, or send it to the laboratory system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id: %w", err)
			}
			addr, _ := cmd.Flags().GetString("send")
			return withService(cmd, func(ctx context.Context, svc *diagnostics.Service) error {
				msg, err := svc.HL7Message(ctx, id)
				if err != nil {
					return err
				}
				if addr == "" {
					// Segments are CR separated on the wire; one per line reads better.
					_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.ReplaceAll(string(msg), "\r", "\n"))
					return err
				}
				ack, err := hl7v2.NewClient(addr, 10*time.Second).Send(ctx, msg)
				if ack != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ack.AckCode(), ack.ControlID)
				}
				return err
			})
		},
	}
	hl7Cmd.Flags().String("send", "", "MLLP host:port to send the message to")
	cmd.AddCommand(hl7Cmd)

	return cmd
}

func printAudit(w io.Writer, entries []diagnostics.AuditEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tACTOR\tROLE\tTRANSITION\tFROM\tTO\tNOTE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Timestamp.UTC().Format(time.RFC3339), e.ActorRef, e.ActorRole,
			e.Transition, e.FromState, e.ToState, e.Note)
	}
	_ = tw.Flush()
}

func escalationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "Work the critical-result escalation queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List unacknowledged escalations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withService(cmd, func(ctx context.Context, svc *diagnostics.Service) error {
				tickets, total, err := svc.OpenTickets(ctx, limit, 0)
				if err != nil {
					return err
				}
				printTickets(cmd.OutOrStdout(), tickets, total)
				return nil
			})
		},
	}
	listCmd.Flags().Int("limit", 50, "Maximum number of tickets to show")
	cmd.AddCommand(listCmd)

	ackCmd := &cobra.Command{
		Use:   "ack <ticket-id>",
		Short: "Acknowledge an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid ticket id: %w", err)
			}
			actorID, _ := cmd.Flags().GetString("actor")
			role, _ := cmd.Flags().GetString("role")
			if actorID == "" {
				return fmt.Errorf("--actor is required")
			}
			return withService(cmd, func(ctx context.Context, svc *diagnostics.Service) error {
				t, err := svc.Acknowledge(ctx, id, diagnostics.Actor{ID: actorID, Role: diagnostics.Role(role)})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged escalation %s for order %s by %s.\n", t.ID, t.OrderID, t.AcknowledgedBy)
				return nil
			})
		},
	}
	ackCmd.Flags().String("actor", "", "Identifier of the acknowledging clinician")
	ackCmd.Flags().String("role", string(diagnostics.RoleClinician), "Role the actor acknowledges under")
	cmd.AddCommand(ackCmd)

	return cmd
}

func printTickets(w io.Writer, tickets []*diagnostics.EscalationTicket, total int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKET\tORDER\tPATIENT\tCLINICIAN\tURGENCY\tRAISED\tDETAILS")
	for _, t := range tickets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.OrderID, t.PatientRef, t.OrderingClinicianRef, t.Urgency,
			t.RaisedAt.UTC().Format(time.RFC3339), t.CriticalDetails)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d open escalation(s)\n", total)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

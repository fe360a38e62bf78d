package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hako/durafmt"
	"github.com/spf13/cobra"

	"github.com/halunken-hans/OpenApprove-sub000/internal/approvals"
	"github.com/halunken-hans/OpenApprove-sub000/internal/audit"
	"github.com/halunken-hans/OpenApprove-sub000/internal/blob"
	"github.com/halunken-hans/OpenApprove-sub000/internal/config"
	"github.com/halunken-hans/OpenApprove-sub000/internal/domain"
	"github.com/halunken-hans/OpenApprove-sub000/internal/logging"
	"github.com/halunken-hans/OpenApprove-sub000/internal/server"
	"github.com/halunken-hans/OpenApprove-sub000/internal/store"
	"github.com/halunken-hans/OpenApprove-sub000/internal/tokens"
	"github.com/halunken-hans/OpenApprove-sub000/internal/uploads"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory(), nil
	default:
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return store.NewPostgres(pool), nil
	}
}

var rootCmd = &cobra.Command{
	Use:   "countersign",
	Short: "Document approval workflow engine",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logging.New(cfg.LogLevel)
		ctx := cmd.Context()

		st, err := buildStore(ctx, cfg)
		if err != nil {
			return err
		}
		blobs, err := blob.New(ctx, cfg.Blob)
		if err != nil {
			return fmt.Errorf("building blob store: %w", err)
		}
		if err := blobs.Ping(ctx); err != nil {
			return fmt.Errorf("blob store not ready: %w", err)
		}

		clock := domain.RealClock{}
		chain := audit.NewChain(st, clock)
		tok := tokens.NewService(st, chain, clock, []byte(cfg.SessionSecret))
		app := approvals.NewService(st, chain, clock, log)
		up := uploads.NewService(st, blobs, chain, clock, log)

		srv := server.New(tok, app, up, st, log)
		addr := ":" + cfg.ServicePort
		log.WithField("addr", addr).Info("listening")
		return http.ListenAndServe(addr, srv.Router())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage capability tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a capability token and print the secret once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := buildStore(ctx, cfg)
		if err != nil {
			return err
		}

		rawScopes, _ := cmd.Flags().GetStringSlice("scope")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		oneTime, _ := cmd.Flags().GetBool("one-time")
		processID, _ := cmd.Flags().GetString("process")
		participantID, _ := cmd.Flags().GetString("participant")
		customer, _ := cmd.Flags().GetString("customer")

		scopes := make([]domain.Scope, 0, len(rawScopes))
		for _, raw := range rawScopes {
			sc, err := domain.ParseScope(raw)
			if err != nil {
				return err
			}
			scopes = append(scopes, sc)
		}

		clock := domain.RealClock{}
		tok := tokens.NewService(st, audit.NewChain(st, clock), clock, []byte(cfg.SessionSecret))
		issued, err := tok.Issue(ctx, tokens.IssueRequest{
			Scopes:         scopes,
			TTL:            ttl,
			OneTime:        oneTime,
			ProcessID:      processID,
			ParticipantID:  participantID,
			CustomerNumber: customer,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Token ID:  %s\n", issued.TokenID)
		fmt.Printf("Secret:    %s\n", issued.RawSecret)
		fmt.Printf("Valid for: %s (until %s)\n",
			durafmt.Parse(ttl).LimitFirstN(2), issued.ExpiresAt.Format(time.RFC3339))
		fmt.Println("Store the secret now; it is not retrievable again.")
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit chain",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain over all audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := buildStore(ctx, cfg)
		if err != nil {
			return err
		}
		events, err := st.ListAuditEvents(ctx, "")
		if err != nil {
			return err
		}
		res := audit.Verify(events)
		if !res.Ok {
			return fmt.Errorf("chain broken at event %d: %s", res.FailedAt, res.Reason)
		}
		fmt.Printf("chain intact: %d events\n", len(events))
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringSlice("scope", nil, "Capability scope (repeatable): UPLOAD, APPROVE, REVIEW, DOWNLOAD, MANAGE, AUDIT_READ")
	tokenIssueCmd.Flags().Duration("ttl", 72*time.Hour, "Token lifetime")
	tokenIssueCmd.Flags().Bool("one-time", false, "Invalidate the token after its first successful validation")
	tokenIssueCmd.Flags().String("process", "", "Bind the token to a process id")
	tokenIssueCmd.Flags().String("participant", "", "Bind the token to a participant id")
	tokenIssueCmd.Flags().String("customer", "", "Customer number carried in the grant")
	tokenCmd.AddCommand(tokenIssueCmd)

	auditCmd.AddCommand(auditVerifyCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(auditCmd)
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/kbchat/kbchat/internal/api"
	"github.com/spf13/cobra"
)

// RegisterDiagCommands adds diagnostics, audit and serve.
func RegisterDiagCommands(root *cobra.Command) {
	diagCmd := &cobra.Command{
		Use:   "diag",
		Short: "Check the backend",
	}

	diagCmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check that the query API answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				if svc.Health(ctx) {
					okColor.Println("healthy")
					return nil
				}
				errColor.Println("unhealthy")
				return fmt.Errorf("query API health check failed")
			})
		},
	})

	diagCmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Print the query API's system information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				info, err := svc.SystemInfo(ctx)
				if err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				return printJSON(info)
			})
		},
	})

	diagCmd.AddCommand(&cobra.Command{
		Use:   "endpoints",
		Short: "Resolve backend URLs from the configured SSM parameter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				ep, err := svc.DiscoverEndpoints(ctx)
				if err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				if jsonOutput {
					return printJSON(ep)
				}
				fmt.Printf("Query API:     %s\n", orDash(ep.APIBaseURL))
				fmt.Printf("Documents API: %s\n", orDash(ep.DocumentsURL))
				return nil
			})
		},
	})

	root.AddCommand(diagCmd)
	root.AddCommand(newAuditCmd())
	root.AddCommand(newServeCmd())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the local audit log",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				records, err := svc.RecentAudit(limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(records)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tEVENT\tACTOR\tDETAIL")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.EventType, orDash(r.Actor), truncate(r.Detail, 60))
				}
				return w.Flush()
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Number of records")

	auditCmd.AddCommand(listCmd)
	auditCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				st, err := svc.VerifyAudit()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(st)
				}
				if !st.Valid {
					errColor.Printf("Audit chain BROKEN (%d records)\n", st.Count)
					return fmt.Errorf("audit chain verification failed")
				}
				okColor.Printf("Audit chain intact (%d records)\n", st.Count)
				return nil
			})
		},
	})
	return auditCmd
}

func newServeCmd() *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local REST API and JSON-RPC endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("http-addr") {
				httpAddr = cfg.HTTPAddr
			}
			if !cmd.Flags().Changed("grpc-addr") {
				grpcAddr = cfg.GRPCAddr
			}

			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				info := svc.Restore(ctx)
				if info.IsAuthenticated {
					fmt.Printf("Restored session for %s\n", info.User.DisplayName)
				}

				srv, err := api.NewServer(svc, httpAddr, grpcAddr, cfg.AllowedOrigins)
				if err != nil {
					return err
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				fmt.Printf("REST API on http://%s\n", srv.HTTPAddr())
				if addr := srv.GRPCAddr(); addr != "" {
					fmt.Printf("JSON-RPC (gRPC) on %s\n", addr)
				}
				return srv.Serve(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "REST listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address; empty disables it (default from config)")
	return cmd
}

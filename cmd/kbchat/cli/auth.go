package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kbchat/kbchat/internal/api"
	"github.com/kbchat/kbchat/internal/session"
	"github.com/spf13/cobra"
)

// RegisterAuthCommands adds login, logout and whoami.
func RegisterAuthCommands(root *cobra.Command) {
	root.AddCommand(newLoginCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newWhoamiCmd())
}

func newLoginCmd() *cobra.Command {
	var in session.SignInInput

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with AWS access keys",
		Long: `Sign in with an AWS access key pair for the configured tenant.

Missing values are prompted for; the secret access key is read without echo.
The credentials are checked with STS before they are stored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				r := bufio.NewReader(os.Stdin)
				var err error
				if in.AccountID == "" {
					if in.AccountID, err = promptLine(r, "Account ID: "); err != nil {
						return err
					}
				}
				if in.AccessKeyID == "" {
					if in.AccessKeyID, err = promptLine(r, "Access Key ID: "); err != nil {
						return err
					}
				}
				if in.SecretAccessKey == "" {
					if in.SecretAccessKey, err = promptSecret("Secret Access Key: "); err != nil {
						return err
					}
				}

				info, err := svc.SignIn(ctx, in)
				if err != nil {
					return fmt.Errorf("sign-in failed: %s", describe(err))
				}
				if jsonOutput {
					return printJSON(info)
				}
				okColor.Printf("Welcome, %s\n", info.User.DisplayName)
				fmt.Printf("  Principal:  %s\n", info.User.UserARN)
				fmt.Printf("  Region:     %s\n", info.User.Region)
				fmt.Printf("  Access Key: %s\n", info.User.AccessKey)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&in.AccountID, "account", "", "Tenant account ID")
	cmd.Flags().StringVar(&in.AccessKeyID, "access-key", "", "AWS access key ID")
	cmd.Flags().StringVar(&in.SessionToken, "session-token", "", "STS session token for temporary credentials")
	cmd.Flags().StringVar(&in.Region, "region", "", "AWS region (default from config)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				svc.SignOut()
				fmt.Println("Signed out.")
				return nil
			})
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	var history bool
	var limit int

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				if history {
					events, err := svc.AuthHistory(limit)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(events)
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "TIME\tEVENT\tOUTCOME\tACCESS KEY\tMESSAGE")
					for _, e := range events {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
							e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Event, e.Outcome, e.AccessKey, truncate(e.Message, 60))
					}
					return w.Flush()
				}

				info := svc.Restore(ctx)
				if jsonOutput {
					return printJSON(info)
				}
				if !info.IsAuthenticated {
					warnColor.Println("Not signed in.")
					return nil
				}
				u := info.User
				fmt.Printf("Name:       %s\n", u.DisplayName)
				fmt.Printf("Principal:  %s\n", u.UserARN)
				fmt.Printf("User ID:    %s\n", u.UserID)
				fmt.Printf("Account:    %s\n", u.AccountID)
				fmt.Printf("Region:     %s\n", u.Region)
				fmt.Printf("Access Key: %s\n", u.AccessKey)
				if u.Email != "" {
					fmt.Printf("Email:      %s\n", u.Email)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "Show recent sign-in events instead")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of events with --history")
	return cmd
}

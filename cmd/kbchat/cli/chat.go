package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/kbchat/kbchat/internal/api"
	"github.com/kbchat/kbchat/internal/chat"
	"github.com/spf13/cobra"
)

// RegisterChatCommands adds the chat command group.
func RegisterChatCommands(root *cobra.Command) {
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask questions against a knowledge base",
	}

	chatCmd.AddCommand(newChatAskCmd())
	chatCmd.AddCommand(newChatReplCmd())
	chatCmd.AddCommand(newChatHistoryCmd())
	chatCmd.AddCommand(newChatResetCmd())

	root.AddCommand(chatCmd)
}

func newChatAskCmd() *cobra.Command {
	var req api.AskRequest
	var sources bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question in the stored conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				req.Text = strings.Join(args, " ")
				ans, err := svc.Ask(ctx, req)
				if err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				if jsonOutput {
					return printJSON(ans)
				}
				printAnswer(ans, sources)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.ModelID, "model", "", "Model ID (default from preferences)")
	cmd.Flags().StringVar(&req.KnowledgeBaseID, "kb", "", "Knowledge base ID (default from preferences)")
	cmd.Flags().BoolVar(&sources, "sources", false, "Print the retrieved passages")
	return cmd
}

func printAnswer(ans *chat.Answer, sources bool) {
	fmt.Println(ans.Text)
	meta := fmt.Sprintf("%d ms", ans.ProcessingTimeMS)
	if ans.ModelUsed != "" {
		meta += ", " + ans.ModelUsed
	}
	dimColor.Printf("(%s)\n", meta)
	if !sources {
		return
	}
	for i, s := range ans.Sources {
		dimColor.Printf("[%d] %.2f %s\n    %s\n", i+1, s.Score, s.Location, truncate(s.Content, 160))
	}
}

func newChatReplCmd() *cobra.Command {
	var req api.AskRequest

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Chat interactively",
		Long: `Start an interactive chat in the stored conversation.

Commands:
  /reset     start a new conversation
  /history   print the conversation
  /exit      quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				you := color.New(color.FgGreen, color.Bold).SprintFunc()
				bot := color.New(color.FgCyan, color.Bold).SprintFunc()

				info := svc.AuthStatus()
				okColor.Printf("Signed in as %s\n", info.User.DisplayName)
				printTurns(svc, bot)

				scanner := bufio.NewScanner(os.Stdin)
				for {
					fmt.Print(you("You: "))
					if !scanner.Scan() {
						fmt.Println()
						return scanner.Err()
					}
					line := strings.TrimSpace(scanner.Text())
					switch line {
					case "":
						continue
					case "/exit", "/quit", "exit":
						return nil
					case "/reset":
						if _, err := svc.ResetConversation(); err != nil {
							errColor.Println(describe(err))
						}
						printTurns(svc, bot)
						continue
					case "/history":
						printTurns(svc, bot)
						continue
					}

					req.Text = line
					ans, err := svc.Ask(ctx, req)
					if err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						errColor.Printf("Error: %s\n\n", describe(err))
						continue
					}
					fmt.Printf("%s %s\n", bot("Assistant:"), ans.Text)
					dimColor.Printf("(%d ms)\n\n", ans.ProcessingTimeMS)
				}
			})
		},
	}

	cmd.Flags().StringVar(&req.ModelID, "model", "", "Model ID (default from preferences)")
	cmd.Flags().StringVar(&req.KnowledgeBaseID, "kb", "", "Knowledge base ID (default from preferences)")
	return cmd
}

func printTurns(svc *api.Service, bot func(a ...interface{}) string) {
	turns, err := svc.Messages()
	if err != nil {
		errColor.Println(describe(err))
		return
	}
	for _, t := range turns {
		if t.IsUser {
			fmt.Printf("You: %s\n", t.Content)
		} else {
			fmt.Printf("%s %s\n", bot("Assistant:"), t.Content)
		}
	}
	fmt.Println()
}

func newChatHistoryCmd() *cobra.Command {
	var limit int
	var stats bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show logged queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				if stats {
					st, err := svc.QueryStats()
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(st)
					}
					fmt.Printf("Total:          %d\n", st.Total)
					fmt.Printf("Succeeded:      %d\n", st.Succeeded)
					fmt.Printf("Failed:         %d\n", st.Failed)
					fmt.Printf("Avg processing: %.0f ms\n", st.AvgProcessingMS)
					return nil
				}

				entries, err := svc.QueryHistory(limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(entries)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSTATUS\tKB\tMS\tSOURCES\tQUERY")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
						e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Status, e.KnowledgeBaseID,
						e.TotalMS, e.SourceCount, truncate(e.Query, 60))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries")
	cmd.Flags().BoolVar(&stats, "stats", false, "Show totals instead")
	return cmd
}

func newChatResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Start a new conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				if _, err := svc.ResetConversation(); err != nil {
					return err
				}
				fmt.Println("Conversation cleared.")
				return nil
			})
		},
	}
}

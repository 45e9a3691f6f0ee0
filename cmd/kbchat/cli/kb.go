package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kbchat/kbchat/internal/api"
	"github.com/spf13/cobra"
)

// RegisterKBCommands adds the knowledge base command group.
func RegisterKBCommands(root *cobra.Command) {
	kbCmd := &cobra.Command{
		Use:     "kb",
		Aliases: []string{"knowledge-base"},
		Short:   "Browse knowledge bases",
	}

	kbCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the knowledge bases you can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				kbs, err := svc.ListKnowledgeBases(ctx)
				if err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				if jsonOutput {
					return printJSON(kbs)
				}
				if len(kbs) == 0 {
					fmt.Println("No knowledge bases found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROFILE\tUPDATED")
				for _, k := range kbs {
					updated := "-"
					if k.UpdatedAt != nil {
						updated = k.UpdatedAt.Local().Format("2006-01-02 15:04")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.Status, k.Profile.Name, updated)
				}
				return w.Flush()
			})
		},
	})

	kbCmd.AddCommand(&cobra.Command{
		Use:   "get <kb-id>",
		Short: "Show one knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				k, err := svc.GetKnowledgeBase(ctx, args[0])
				if err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				if jsonOutput {
					return printJSON(k)
				}
				fmt.Printf("ID:          %s\n", k.ID)
				fmt.Printf("Name:        %s\n", k.Name)
				fmt.Printf("Status:      %s\n", k.Status)
				fmt.Printf("Profile:     %s\n", k.Profile.Name)
				if k.Description != "" {
					fmt.Printf("Description: %s\n", k.Description)
				}
				return nil
			})
		},
	})

	kbCmd.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List the selectable models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *api.Service) error {
				models := svc.Models()
				if jsonOutput {
					return printJSON(models)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
				for _, m := range models {
					fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Name, m.Description)
				}
				return w.Flush()
			})
		},
	})

	root.AddCommand(kbCmd)
}

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/kbchat/kbchat/internal/api"
	"github.com/kbchat/kbchat/internal/documents"
	"github.com/spf13/cobra"
)

// RegisterDocsCommands adds the document management command group.
func RegisterDocsCommands(root *cobra.Command) {
	docsCmd := &cobra.Command{
		Use:     "docs",
		Aliases: []string{"documents"},
		Short:   "Manage the documents behind a knowledge base",
	}

	docsCmd.AddCommand(newDocsSourcesCmd())
	docsCmd.AddCommand(newDocsListCmd())
	docsCmd.AddCommand(newDocsUploadCmd())
	docsCmd.AddCommand(newDocsRenameCmd())
	docsCmd.AddCommand(newDocsDeleteCmd())
	docsCmd.AddCommand(newDocsDeleteBatchCmd())
	docsCmd.AddCommand(newDocsLogsCmd())

	root.AddCommand(docsCmd)
}

func newDocsSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources <kb-id>",
		Short: "List the data sources of a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				sources, err := svc.ListDataSources(ctx, args[0])
				if err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				if jsonOutput {
					return printJSON(sources)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDESCRIPTION")
				for _, ds := range sources {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ds.DataSourceID, ds.Name, ds.Status, truncate(ds.Description, 50))
				}
				return w.Flush()
			})
		},
	}
}

func newDocsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <kb-id> <data-source-id>",
		Short: "List the documents of a data source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				docs, err := svc.ListDocuments(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				if jsonOutput {
					return printJSON(docs)
				}
				if len(docs) == 0 {
					fmt.Println("No documents.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSIZE\tUPDATED")
				for _, d := range docs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
						truncate(d.ID, 36), d.Name, d.Status, d.Size, d.UpdatedAt.Local().Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
}

func newDocsUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <kb-id> <data-source-id> <file>...",
		Short: "Upload files to a data source",
		Long: `Upload files one at a time. Supported types: ` + fmt.Sprint(documents.SupportedExtensions) + `.
Unsupported files are reported and skipped.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]documents.File, 0, len(args)-2)
			for _, path := range args[2:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				files = append(files, documents.File{Name: filepath.Base(path), Content: data})
			}

			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				results, err := svc.UploadDocuments(ctx, args[0], args[1], files)
				if err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				if jsonOutput {
					return printJSON(results)
				}
				failed := 0
				for _, r := range results {
					if r.Error != "" {
						failed++
						errColor.Printf("FAIL  %s: %s\n", r.Name, r.Error)
						continue
					}
					okColor.Printf("OK    %s", r.Name)
					fmt.Printf(" -> %s (%s)\n", r.Document.ID, r.Document.Status)
				}
				if failed < len(results) {
					if docs, err := svc.RefreshDocuments(ctx, args[0], args[1]); err != nil {
						dimColor.Printf("Could not refresh the document list: %s\n", describe(err))
					} else {
						dimColor.Printf("%d documents in %s.\n", len(docs), args[1])
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d uploads failed", failed, len(results))
				}
				return nil
			})
		},
	}
}

func newDocsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <kb-id> <data-source-id> <document-id> <new-name>",
		Short: "Rename a document",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				if err := svc.RenameDocument(ctx, args[0], args[1], args[2], args[3]); err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				fmt.Printf("Renamed to %s.\n", args[3])
				return nil
			})
		},
	}
}

func newDocsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kb-id> <data-source-id> <document-id>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				if err := svc.DeleteDocument(ctx, args[0], args[1], args[2]); err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				fmt.Println("Document deleted.")
				return nil
			})
		},
	}
}

func newDocsDeleteBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-batch <kb-id> <data-source-id> <document-id>...",
		Short: "Delete several documents at once",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				if err := svc.DeleteDocuments(ctx, args[0], args[1], args[2:]); err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				fmt.Printf("%d documents deleted.\n", len(args)-2)
				return nil
			})
		},
	}
}

func newDocsLogsCmd() *cobra.Command {
	var since time.Duration
	var limit int32

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent document backend log events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, svc *api.Service) error {
				events, err := svc.BackendLogs(ctx, since, limit)
				if err != nil {
					return fmt.Errorf("%s", describe(err))
				}
				if jsonOutput {
					return printJSON(events)
				}
				for _, e := range events {
					dimColor.Printf("%s ", e.Timestamp.Local().Format("15:04:05.000"))
					fmt.Println(e.Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&since, "since", 15*time.Minute, "How far back to look")
	cmd.Flags().Int32Var(&limit, "limit", 50, "Maximum events")
	return cmd
}

// kbchat is a chat client for Bedrock knowledge bases, signed in with AWS
// access keys.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kbchat/kbchat/cmd/kbchat/cli"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbchat",
		Short: "Chat with Bedrock knowledge bases",
		Long: `kbchat signs in with AWS access keys, asks questions against Bedrock
knowledge bases, and manages the documents behind them.

Run 'kbchat serve' to expose the same operations as a local REST API.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterGlobalFlags(rootCmd)
	cli.RegisterAuthCommands(rootCmd)
	cli.RegisterChatCommands(rootCmd)
	cli.RegisterKBCommands(rootCmd)
	cli.RegisterDocsCommands(rootCmd)
	cli.RegisterConfigCommands(rootCmd)
	cli.RegisterDiagCommands(rootCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

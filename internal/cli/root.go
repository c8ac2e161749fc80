// Package cli is the chatcli command tree: a terminal client for the chat
// backend built on the same store and send pipeline as the app.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bookverse/chat/internal/config"
	"github.com/bookverse/chat/internal/logger"
)

var (
	cfg         config.Config
	sessionPath string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Terminal client for BookVerse chat",
	Long: `chatcli signs in to the chat backend, lists conversations and sends
or watches messages over the live event socket.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger.Init(level, os.Stderr)
	},
}

// Execute runs the command tree. It is called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cfg = config.Load()

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "chat API base URL")
	rootCmd.PersistentFlags().StringVar(&cfg.WSURL, "ws", cfg.WSURL, "live event socket URL")
	rootCmd.PersistentFlags().StringVar(&sessionPath, "session", defaultSessionPath(), "where the sign-in token is kept")
}

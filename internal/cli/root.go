// Package cli defines the command tree.
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "llmbridge",
	Short: "Streaming chat-protocol translation gateway",
	Long: `llmbridge accepts Anthropic Messages, OpenAI Chat Completions and
Gemini generateContent requests and bridges each to whichever backend serves
the requested model, translating requests, responses and live streams
between the three protocols.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// .env is optional; explicit environment always wins.
		_ = godotenv.Load()
	},
	RunE: func(c *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}

func Execute() error {
	return rootCmd.Execute()
}

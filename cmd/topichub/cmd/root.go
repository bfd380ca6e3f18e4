package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/topichub/internal/envelope"
)

var (
	brokerURL string
	codecName string
)

var rootCmd = &cobra.Command{
	Use:   "topichub",
	Short: "Topic-based publish/subscribe broker over WebSocket",
	Long: `topichub routes published messages to every client subscribed to a topic.

Available commands:
  serve    Run the broker
  pub      Publish one message and wait for the broker's ack
  sub      Print messages published on one or more topics
  version  Print the version

Use "topichub [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&brokerURL, "url", "ws://localhost:8080/ws", "broker WebSocket URL (pub and sub)")
	rootCmd.PersistentFlags().StringVar(&codecName, "codec", "json", "wire codec: json or msgpack (pub and sub)")
}

func clientCodec() (envelope.Codec, error) {
	codec, err := envelope.ForName(codecName)
	if err != nil {
		return nil, fmt.Errorf("--codec: %w", err)
	}
	return codec, nil
}

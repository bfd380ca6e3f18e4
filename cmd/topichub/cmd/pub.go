package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/topichub/internal/client"
)

var pubTimeout time.Duration

var pubCmd = &cobra.Command{
	Use:   "pub <topic> <message>",
	Short: "Publish one message and wait for the ack",
	Long: `Publish a message on a topic and wait until the broker acknowledges it.

The message is sent as JSON when it parses as JSON and as a JSON string
otherwise.

Examples:
  topichub pub weather '{"sky":"rain"}'
  topichub pub chat hello --timeout 2s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := clientCodec()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), pubTimeout)
		defer cancel()

		c, err := client.Dial(ctx, brokerURL, client.WithCodec(codec))
		if err != nil {
			return err
		}
		defer c.Close()

		ack, err := c.PublishAndWait(ctx, args[0], parseMessage(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ack %s %s\n", ack.Topic, ack.Correlation)
		return nil
	},
}

// parseMessage returns arg as a JSON value when it is one.
func parseMessage(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err == nil {
		return v
	}
	return arg
}

func init() {
	pubCmd.Flags().DurationVar(&pubTimeout, "timeout", 5*time.Second, "how long to wait for the connection and the ack")
	rootCmd.AddCommand(pubCmd)
}

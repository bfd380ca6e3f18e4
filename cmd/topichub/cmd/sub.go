package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nfrund/topichub/internal/client"
	"github.com/nfrund/topichub/internal/envelope"
	"github.com/nfrund/topichub/internal/server"
)

var subCount int

var subCmd = &cobra.Command{
	Use:   "sub <topic>...",
	Short: "Print messages published on topics",
	Long: `Subscribe to one or more topics and print every delivery as a JSON line
until interrupted.

Examples:
  topichub sub weather
  topichub sub weather news --count 10`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := clientCodec()
		if err != nil {
			return err
		}
		ctx, stop := server.SignalContext(cmd.Context())
		defer stop()

		out := &lineWriter{w: cmd.OutOrStdout(), codec: codec, limit: subCount, full: make(chan struct{})}
		c := client.New(brokerURL, client.WithCodec(codec))
		c.OnMessage(out.write)
		if err := c.Connect(ctx); err != nil {
			return err
		}
		defer c.Close()

		for _, topic := range args {
			if err := c.Subscribe(ctx, topic); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-out.full:
			return nil
		case <-c.Done():
			return c.Err()
		}
	},
}

type delivery struct {
	Topic     string          `json:"topic"`
	Timestamp string          `json:"timestamp,omitempty"`
	Message   json.RawMessage `json:"message"`
}

// lineWriter prints deliveries as JSON lines and signals full after limit
// lines when limit is positive.
type lineWriter struct {
	mu    sync.Mutex
	w     io.Writer
	codec envelope.Codec
	limit int
	n     int
	full  chan struct{}
}

func (l *lineWriter) write(env envelope.Envelope) {
	msg, err := toJSON(l.codec, env.Message)
	if err != nil {
		msg, _ = json.Marshal(err.Error())
	}
	d := delivery{Topic: env.Topic, Message: msg}
	if !env.Timestamp.IsZero() {
		d.Timestamp = env.Timestamp.String()
	}
	line, err := json.Marshal(d)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.n >= l.limit {
		return
	}
	fmt.Fprintln(l.w, string(line))
	l.n++
	if l.limit > 0 && l.n == l.limit {
		close(l.full)
	}
}

func toJSON(codec envelope.Codec, payload envelope.Payload) (json.RawMessage, error) {
	if !codec.Binary() {
		return json.RawMessage(payload), nil
	}
	var v any
	if err := msgpack.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func init() {
	subCmd.Flags().IntVar(&subCount, "count", 0, "exit after printing this many messages (0 runs until interrupted)")
	rootCmd.AddCommand(subCmd)
}

package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/walpool/internal/infrastructure/mqtt"
)

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print commit notifications from the MQTT broker",
		Long: `Subscribe to the commit topics of every walpool database under the
configured topic prefix and print one line per commit until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := mqtt.Connect(a.cfg.MQTT, a.log.Component("mqtt"))
			if err != nil {
				return fmt.Errorf("connecting to MQTT: %w", err)
			}
			defer client.Close() //nolint:errcheck // Best-effort on exit

			topic := client.Topics().AllCommits()
			if err := client.Watch(topic, commitPrinter(cmd.OutOrStdout())); err != nil {
				return fmt.Errorf("watching %s: %w", topic, err)
			}
			a.log.Info("watching commits", "topic", topic)

			<-cmd.Context().Done()
			return nil
		},
	}
}

// commitPrinter returns a handler writing one line per commit event.
// Handlers run on paho goroutines, so writes are serialised.
func commitPrinter(out io.Writer) mqtt.MessageHandler {
	var mu sync.Mutex
	return func(topic string, payload []byte) error {
		event, err := mqtt.DecodeCommitEvent(payload)
		if err != nil {
			return fmt.Errorf("decoding commit on %s: %w", topic, err)
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s  %-16s seq=%d\n",
			event.CommittedAt.UTC().Format(time.RFC3339Nano), event.Database, event.Sequence)
		return nil
	}
}

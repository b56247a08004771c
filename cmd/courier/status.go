package main

import (
	"fmt"
	"io"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/glimte/courier/internal/rabbitmq"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show depth and consumers of the shared and dead-letter queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}

			conn, err := rabbitmq.NewConnection(cmd.Context(), cfg.Settings(), rabbitmq.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer conn.Close()

			var queues []amqp.Queue
			for _, name := range []string{conn.SharedQueue(), conn.DeadLetterQueue()} {
				q, err := conn.InspectQueue(name, true, false, false)
				if err != nil {
					return fmt.Errorf("failed to inspect %s: %w", name, err)
				}
				queues = append(queues, q)
			}

			cmd.Printf("Exchange: %s\n\n", conn.ExchangeName())
			printQueues(cmd.OutOrStdout(), queues)
			return nil
		},
	}
}

func printQueues(w io.Writer, queues []amqp.Queue) {
	if len(queues) == 0 {
		fmt.Fprintln(w, "No queues found")
		return
	}

	fmt.Fprintf(w, "%-40s %-10s %-10s\n", "Name", "Messages", "Consumers")
	fmt.Fprintln(w, strings.Repeat("-", 62))

	for _, q := range queues {
		fmt.Fprintf(w, "%-40s %-10d %-10d\n", truncate(q.Name, 40), q.Messages, q.Consumers)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

package main

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"

	courier "github.com/glimte/courier"
	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
)

type publishFlags struct {
	correlationID string
	headers       map[string]string
	wait          time.Duration
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	pf := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a text message",
	}
	cmd.PersistentFlags().StringVar(&pf.correlationID, "correlation-id", "", "correlation_id header; replies are only sent when it is set")
	cmd.PersistentFlags().StringToStringVarP(&pf.headers, "header", "H", nil, "Extra headers as key=value")
	cmd.PersistentFlags().DurationVarP(&pf.wait, "wait", "w", 0, "Wait this long for replies on the unique queue")

	multiCmd := &cobra.Command{
		Use:   "multi <text>",
		Short: "Broadcast to every node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, flags, pf, func(ctx context.Context, c *courier.Client, opts []messaging.PublishOption) (string, error) {
				return c.PublishMulti(ctx, args[0], opts...)
			})
		},
	}

	anyCmd := &cobra.Command{
		Use:   "any <text>",
		Short: "Send to exactly one node on the shared queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, flags, pf, func(ctx context.Context, c *courier.Client, opts []messaging.PublishOption) (string, error) {
				return c.PublishAny(ctx, args[0], opts...)
			})
		},
	}

	uniqueCmd := &cobra.Command{
		Use:   "unique <queue> <text>",
		Short: "Send directly to the node owning a unique queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, flags, pf, func(ctx context.Context, c *courier.Client, opts []messaging.PublishOption) (string, error) {
				return c.PublishUnique(ctx, args[0], args[1], opts...)
			})
		},
	}

	cmd.AddCommand(multiCmd, anyCmd, uniqueCmd)
	return cmd
}

type publishFunc func(ctx context.Context, c *courier.Client, opts []messaging.PublishOption) (string, error)

func runPublish(cmd *cobra.Command, flags *globalFlags, pf *publishFlags, publish publishFunc) error {
	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	client, err := courier.New(ctx, cfg, &replyPrinter{out: cmd.OutOrStdout()},
		courier.WithLogger(logger),
		courier.WithListeners(contracts.Unique),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if pf.wait > 0 {
		if err := client.Start(ctx); err != nil {
			return err
		}
	}

	id, err := publish(ctx, client, pf.options())
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	cmd.Printf("Published %s (reply_to %s)\n", id, client.UniqueQueue())

	if pf.wait > 0 {
		select {
		case <-time.After(pf.wait):
		case <-ctx.Done():
		}
	}
	return nil
}

func (pf *publishFlags) options() []messaging.PublishOption {
	var opts []messaging.PublishOption
	if pf.correlationID != "" {
		opts = append(opts, messaging.WithCorrelationID(pf.correlationID))
	}
	if len(pf.headers) > 0 {
		opts = append(opts, messaging.WithHeaders(pf.headers))
	}
	return opts
}

// replyPrinter writes replies arriving on the unique queue.
type replyPrinter struct {
	out io.Writer
}

func (p *replyPrinter) HandleText(ctx context.Context, d contracts.Delivery, text string) (*string, error) {
	fmt.Fprintf(p.out, "Reply %s (correlation %s): %s\n", d.MessageID, d.CorrelationID, text)
	return nil, nil
}

func (p *replyPrinter) HandleTyped(ctx context.Context, d contracts.Delivery, msg any, msgType reflect.Type) (any, error) {
	fmt.Fprintf(p.out, "Reply %s (correlation %s): %s %+v\n", d.MessageID, d.CorrelationID, msgType, msg)
	return nil, nil
}

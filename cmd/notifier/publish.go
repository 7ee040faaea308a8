package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/config"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/eventbus"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/router"
)

type publishOptions struct {
	url        string
	topic      string
	source     string
	detailType string
	detail     string
	wait       bool
	timeout    time.Duration
}

func newPublishCmd() *cobra.Command {
	var opts publishOptions

	cmd := &cobra.Command{
		Use:   "publish [file]",
		Short: "Publish a domain event",
		Long: `Publish a domain event to the configured event bus, or to a running
server's /events endpoint when --url is given.

The payload is read from the file argument, from stdin when the argument is
"-", or built from --source, --detail-type and --detail.`,
		Example: `  notifier publish --source property.service --detail-type "Property Created" \
      --detail '{"userId":"u1","propertyId":"p1","propertyName":"Fazenda"}'
  notifier publish --url http://localhost:8080 event.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args, opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			if opts.url != "" {
				return postEvents(ctx, cmd.OutOrStdout(), opts.url, payload)
			}
			return publishToBus(ctx, cmd.OutOrStdout(), payload, opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "base URL of a running server; bypasses the bus")
	cmd.Flags().StringVar(&opts.topic, "topic", "", "bus topic (defaults to the configured topic)")
	cmd.Flags().StringVar(&opts.source, "source", "", "event source")
	cmd.Flags().StringVar(&opts.detailType, "detail-type", "", "event detail-type")
	cmd.Flags().StringVar(&opts.detail, "detail", "{}", "event detail as JSON")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "wait for the processing outcome (nats bus only)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall timeout")

	return cmd
}

func readPayload(stdin io.Reader, args []string, opts publishOptions) ([]byte, error) {
	if len(args) == 1 {
		if args[0] == "-" {
			return io.ReadAll(stdin)
		}
		return os.ReadFile(args[0])
	}

	if opts.source == "" || opts.detailType == "" {
		return nil, fmt.Errorf("either a file or both --source and --detail-type are required")
	}
	if !json.Valid([]byte(opts.detail)) {
		return nil, fmt.Errorf("--detail is not valid JSON")
	}
	event, err := router.NewEvent(opts.source, opts.detailType, json.RawMessage(opts.detail))
	if err != nil {
		return nil, err
	}
	return json.Marshal(event)
}

func postEvents(ctx context.Context, out io.Writer, baseURL string, payload []byte) error {
	endpoint := strings.TrimRight(baseURL, "/") + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting events: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return nil
}

func publishToBus(ctx context.Context, out io.Writer, payload []byte, opts publishOptions) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	kind := cfg.Bus
	if kind == "" || kind == eventbus.KindMemory {
		switch {
		case len(cfg.KafkaBrokers) > 0:
			kind = eventbus.KindKafka
		case cfg.NATSURL != "":
			kind = eventbus.KindNATS
		default:
			return fmt.Errorf("no kafka brokers or nats url configured; use --url to reach a running server")
		}
	}

	topic := opts.topic
	if topic == "" {
		topic = cfg.BusTopic
	}

	if opts.wait {
		if kind != eventbus.KindNATS {
			return fmt.Errorf("--wait requires the nats bus")
		}
		return requestNATS(ctx, out, cfg, logger, topic, payload)
	}

	bus, err := eventbus.New(eventbus.Config{
		Kind:  kind,
		Kafka: eventbus.KafkaConfig{Brokers: cfg.KafkaBrokers, ConsumerGroup: cfg.KafkaConsumerGroup},
		NATS:  eventbus.NATSConfig{URL: cfg.NATSURL},
	}, logger)
	if err != nil {
		return err
	}
	defer bus.Close() //nolint:errcheck

	if err := bus.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publishing: %w", err)
	}
	fmt.Fprintf(out, "published %d bytes to %s\n", len(payload), topic)
	return nil
}

func requestNATS(ctx context.Context, out io.Writer, cfg *config.Config, logger *zap.Logger, topic string, payload []byte) error {
	bus, err := eventbus.NewNATSBus(eventbus.NATSConfig{URL: cfg.NATSURL}, logger)
	if err != nil {
		return err
	}
	defer bus.Close() //nolint:errcheck

	reply, err := bus.Request(ctx, topic, payload)
	if err != nil {
		return fmt.Errorf("requesting: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("processing failed: %s", reply.Error)
	}
	fmt.Fprintln(out, "processed")
	return nil
}

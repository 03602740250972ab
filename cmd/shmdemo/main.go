// Command shmdemo publishes integers through shared buffers and reads them
// back through a subscriber, exercising every control-plane call.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/shmbroker/pkg/api"
	"github.com/coachpo/shmbroker/pkg/client"
)

const (
	msgSize            = 8
	subscriberPollTick = 10 * time.Millisecond
)

type options struct {
	URL        string
	Topic      string
	Subscriber string
	Mode       string
	Count      int
	SegmentDir string
}

func main() {
	opts := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "shmdemo ", log.LstdFlags|log.Lmicroseconds)
	if err := run(ctx, opts, logger); err != nil {
		logger.Fatalf("demo failed: %v", err)
	}
	logger.Print("Passed")
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.URL, "url", "http://localhost:50051", "Broker base URL")
	flag.StringVar(&opts.Topic, "topic", "go_test_msgs", "Topic name")
	flag.StringVar(&opts.Subscriber, "subscriber", "go_test_subscriber", "Subscriber name")
	flag.StringVar(&opts.Mode, "mode", "both", "pub, sub or both")
	flag.IntVar(&opts.Count, "count", 1, "Messages to exchange")
	flag.StringVar(&opts.SegmentDir, "segments", "", "Shared-memory directory (default /dev/shm)")
	flag.Parse()
	return opts
}

func run(ctx context.Context, opts options, logger *log.Logger) error {
	c, err := client.New(opts.URL, client.Options{SegmentDir: opts.SegmentDir})
	if err != nil {
		return err
	}

	var (
		wg     conc.WaitGroup
		pubErr error
		subErr error
	)
	switch opts.Mode {
	case "pub":
		return publish(ctx, c, opts, logger)
	case "sub":
		return subscribe(ctx, c, opts, logger)
	case "both":
		wg.Go(func() { pubErr = publish(ctx, c, opts, logger) })
		wg.Go(func() { subErr = subscribe(ctx, c, opts, logger) })
		wg.Wait()
		return errors.Join(pubErr, subErr)
	default:
		return fmt.Errorf("unknown mode %q", opts.Mode)
	}
}

func publish(ctx context.Context, c *client.Client, opts options, logger *log.Logger) error {
	if err := c.RegisterTopic(ctx, opts.Topic); err != nil {
		return fmt.Errorf("register topic: %w", err)
	}
	if err := waitForSubscribers(ctx, c, opts.Topic); err != nil {
		return err
	}

	for i := 0; i < opts.Count; i++ {
		name, err := c.CreateBuffer(ctx, msgSize)
		if err != nil {
			return fmt.Errorf("create buffer: %w", err)
		}
		mapping, err := c.MapBuffer(name)
		if err != nil {
			return fmt.Errorf("map buffer: %w", err)
		}
		binary.LittleEndian.PutUint64(mapping.Data, uint64(i))
		if err := mapping.Close(); err != nil {
			return err
		}
		if err := c.Publish(ctx, api.PublishRequest{TopicName: opts.Topic, BufferName: name, Timestamp: uint64(time.Now().UnixNano())}); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		logger.Printf("published value=%d buffer=%s", i, name)
	}
	return nil
}

func waitForSubscribers(ctx context.Context, c *client.Client, topic string) error {
	ticker := time.NewTicker(subscriberPollTick)
	defer ticker.Stop()
	for {
		count, err := c.SubscriberCount(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscriber count: %w", err)
		}
		if count > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func subscribe(ctx context.Context, c *client.Client, opts options, logger *log.Logger) error {
	if err := waitForTopic(ctx, c, opts.Topic); err != nil {
		return err
	}
	if err := c.Subscribe(ctx, api.SubscribeRequest{TopicName: opts.Topic, SubscriberName: opts.Subscriber}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for i := 0; i < opts.Count; i++ {
		reply, err := c.Pull(ctx, opts.Topic, opts.Subscriber, -1)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		size, err := c.GetBuffer(ctx, reply.BufferName)
		if err != nil {
			return fmt.Errorf("get buffer %s: %w", reply.BufferName, err)
		}
		if size != msgSize {
			return fmt.Errorf("buffer %s: size %d, want %d", reply.BufferName, size, msgSize)
		}
		mapping, err := c.MapBuffer(reply.BufferName)
		if err != nil {
			return fmt.Errorf("map buffer: %w", err)
		}
		value := binary.LittleEndian.Uint64(mapping.Data)
		_ = mapping.Close()
		if value != uint64(i) {
			return fmt.Errorf("buffer %s: value %d, want %d", reply.BufferName, value, i)
		}
		if err := c.ReleaseBuffer(ctx, reply.BufferName); err != nil {
			return fmt.Errorf("release buffer: %w", err)
		}
		logger.Printf("received value=%d buffer=%s", value, reply.BufferName)
	}
	return nil
}

// waitForTopic polls until the publisher has registered the topic.
func waitForTopic(ctx context.Context, c *client.Client, topic string) error {
	ticker := time.NewTicker(subscriberPollTick)
	defer ticker.Stop()
	for {
		topics, err := c.Topics(ctx)
		if err != nil {
			return fmt.Errorf("list topics: %w", err)
		}
		for _, t := range topics {
			if t.Name == topic {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

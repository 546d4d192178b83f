package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/reelflow/internal/runtime/config"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
	transportpkg "github.com/drblury/reelflow/internal/runtime/transport"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

type testPublisher struct {
	mu       sync.Mutex
	messages map[string][]*message.Message
	err      error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = make(map[string][]*message.Message)
	}
	p.messages[topic] = append(p.messages[topic], messages...)
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.messages[topic]...)
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		ServiceName:            "reels",
		PubSubSystem:           "channel",
		RetryMaxAttempts:       3,
		RetryBackoff:           "none",
		WorkerPoolSize:         2,
		ShutdownGracePeriod:    time.Second,
		SubscriberBufferSize:   8,
		SubscriberWriteTimeout: 50 * time.Millisecond,
	}
}

// newTestService builds a service on the supplied transport with an isolated metrics registry.
func newTestService(t *testing.T, conf *configpkg.Config, tr transportpkg.Transport) *Service {
	t.Helper()
	svc, err := NewService(conf, newTestLogger(), ServiceDependencies{
		TransportFactory: transportpkg.Static(tr),
		Registry:         prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func newGoChannel() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
}

// drain acks everything from in so a blocking publisher never waits on the test.
// Messages beyond the buffer are dropped.
func drain(in <-chan *message.Message) <-chan *message.Message {
	out := make(chan *message.Message, 64)
	go func() {
		defer close(out)
		for msg := range in {
			msg.Ack()
			select {
			case out <- msg:
			default:
			}
		}
	}()
	return out
}

// startService runs svc until the test ends and waits for the router to subscribe.
func startService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()

	select {
	case <-svc.Running():
	case err := <-errCh:
		cancel()
		t.Fatalf("service stopped before running: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("service did not start")
	}

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := svc.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Start returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Start did not return")
		}
	})
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func transportFor(pub message.Publisher, sub message.Subscriber) transportpkg.Transport {
	return transportpkg.Transport{Publisher: pub, Subscriber: sub}
}

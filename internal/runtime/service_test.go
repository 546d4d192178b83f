package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/reelflow/internal/runtime/broadcast"
	configpkg "github.com/drblury/reelflow/internal/runtime/config"
	"github.com/drblury/reelflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	"github.com/drblury/reelflow/internal/runtime/handlers"
	idspkg "github.com/drblury/reelflow/internal/runtime/ids"
	"github.com/drblury/reelflow/internal/runtime/jobs"
	transportpkg "github.com/drblury/reelflow/internal/runtime/transport"
)

type reelDTO struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Title  string `json:"title" validate:"required"`
}

func TestNewServiceRequiresConfigAndLogger(t *testing.T) {
	if _, err := NewService(nil, newTestLogger(), ServiceDependencies{}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("expected ErrConfigRequired, got %v", err)
	}
	if _, err := NewService(testConfig(), nil, ServiceDependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected ErrLoggerRequired, got %v", err)
	}
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	conf := testConfig()
	conf.RetryBackoff = "sometimes"
	conf.WorkerPoolSize = -1

	_, err := NewService(conf, newTestLogger(), ServiceDependencies{})
	var invalid errspkg.ConfigValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ConfigValidationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "backoff") || !strings.Contains(err.Error(), "pool size") {
		t.Fatalf("expected both problems to be reported, got %v", err)
	}
}

func TestNewServicePropagatesFactoryError(t *testing.T) {
	boom := errors.New("no broker")
	_, err := NewService(testConfig(), newTestLogger(), ServiceDependencies{
		TransportFactory: transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
			return transportpkg.Transport{}, boom
		}),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestNewServiceMiddlewareBuilderError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewService(testConfig(), newTestLogger(), ServiceDependencies{
		TransportFactory: transportpkg.Static(transportFor(&testPublisher{}, &testSubscriber{})),
		Registry:         prometheus.NewRegistry(),
		Middlewares: []MiddlewareRegistration{{
			Name:    "broken",
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, boom },
		}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected builder error, got %v", err)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected middleware name in error, got %v", err)
	}
}

func TestNewServiceDerivesTopics(t *testing.T) {
	svc := newTestService(t, testConfig(), transportFor(&testPublisher{}, &testSubscriber{}))
	if svc.Conf.InputTopic != "reels-input" {
		t.Fatalf("InputTopic = %q", svc.Conf.InputTopic)
	}
	if svc.Conf.DeadLetterTopic != "reels-input.dlq" {
		t.Fatalf("DeadLetterTopic = %q", svc.Conf.DeadLetterTopic)
	}
	if svc.Producer().Topic() != "reels-input" {
		t.Fatalf("producer topic = %q", svc.Producer().Topic())
	}
	if svc.Capabilities().Name != "channel" {
		t.Fatalf("capabilities = %+v", svc.Capabilities())
	}
}

func TestStartFailsOnDuplicateHandlers(t *testing.T) {
	svc := newTestService(t, testConfig(), transportFor(&testPublisher{}, &testSubscriber{}))
	noop := func(context.Context, reelDTO) error { return nil }
	if err := svc.Handle(handlers.JSON("postReel", noop), handlers.JSON("postReel", noop)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	err := svc.Start(context.Background())
	if !errors.Is(err, errspkg.ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestHandleAndStartAfterStart(t *testing.T) {
	pubsub := newGoChannel()
	svc := newTestService(t, testConfig(), transportFor(pubsub, pubsub))
	startService(t, svc)

	if err := svc.Handle(handlers.JSON("late", func(context.Context, reelDTO) error { return nil })); !errors.Is(err, errspkg.ErrRegistryAlreadyBuilt) {
		t.Fatalf("expected ErrRegistryAlreadyBuilt, got %v", err)
	}
	if err := svc.Start(context.Background()); !errors.Is(err, errspkg.ErrServiceStarted) {
		t.Fatalf("expected ErrServiceStarted, got %v", err)
	}
}

func TestStopAfterFailedStartReturnsQuickly(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer busy.Close()

	conf := testConfig()
	conf.APIPort = busy.Addr().(*net.TCPAddr).Port
	svc := newTestService(t, conf, transportFor(&testPublisher{}, &testSubscriber{}))
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail on an occupied port")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	began := time.Now()
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Fatalf("Stop took %s", elapsed)
	}
}

func TestStartAfterStopIsRejected(t *testing.T) {
	svc := newTestService(t, testConfig(), transportFor(&testPublisher{}, &testSubscriber{}))
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Start(context.Background()); !errors.Is(err, errspkg.ErrServiceStopped) {
		t.Fatalf("expected ErrServiceStopped, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	svc := newTestService(t, testConfig(), transportFor(&testPublisher{}, &testSubscriber{}))
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

// pipelineFixture runs a service on an in-memory gochannel and listens on the
// dead-letter and completion topics.
type pipelineFixture struct {
	svc        *Service
	dlq        <-chan *message.Message
	completion <-chan *message.Message
}

func newPipelineFixture(t *testing.T, conf *configpkg.Config, regs ...handlers.Registration) *pipelineFixture {
	t.Helper()
	pubsub := newGoChannel()
	svc := newTestService(t, conf, transportFor(pubsub, pubsub))
	if err := svc.Handle(regs...); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	dlq, err := pubsub.Subscribe(ctx, svc.Conf.DeadLetterTopic)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	completion, err := pubsub.Subscribe(ctx, svc.Conf.CompletionTopic)
	if err != nil {
		t.Fatalf("subscribe completion: %v", err)
	}

	startService(t, svc)
	return &pipelineFixture{svc: svc, dlq: drain(dlq), completion: drain(completion)}
}

func decodeCompletion(t *testing.T, msg *message.Message) jobs.CompletionEvent {
	t.Helper()
	var event jobs.CompletionEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	return event
}

func TestPipelineDeliversToHandlerAndSubscribers(t *testing.T) {
	received := make(chan reelDTO, 1)
	fx := newPipelineFixture(t, testConfig(), handlers.JSON("postReel", func(ctx context.Context, reel reelDTO) error {
		mc, ok := handlers.MessageContextFrom(ctx)
		if !ok || mc.PartitionKey != "user-1" || mc.Attempt != 1 || mc.CorrelationID() == "" {
			return errors.New("missing message context")
		}
		received <- reel
		return nil
	}, handlers.WithValidator(handlers.NewStructValidator())))

	stream, err := fx.svc.Broadcaster().Register("alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := fx.svc.Producer().Publish(context.Background(), "postReel", reelDTO{ID: "r1", UserID: "user-1", Title: "Sunset"}, "user-1")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.PartitionKey != "user-1" {
		t.Fatalf("PartitionKey = %q", result.PartitionKey)
	}

	select {
	case reel := <-received:
		if reel.Title != "Sunset" {
			t.Fatalf("unexpected reel: %+v", reel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}

	select {
	case ev := <-stream.Events():
		if ev.Name != "postReel" {
			t.Fatalf("event name = %q", ev.Name)
		}
		var got reelDTO
		if err := json.Unmarshal(ev.Data, &got); err != nil || got.ID != "r1" {
			t.Fatalf("unexpected broadcast data %s (%v)", ev.Data, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	event := decodeCompletion(t, receive(t, fx.completion))
	if !event.Success || event.EventName != "postReel" || event.ErrorMessage != nil {
		t.Fatalf("unexpected completion: %+v", event)
	}

	stats := fx.svc.Stats()
	if len(stats.Events) != 1 || stats.Events[0].MessagesSucceeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats.Events)
	}
	if stats.Subscribers != 1 {
		t.Fatalf("Subscribers = %d, want 1", stats.Subscribers)
	}
}

func TestPipelineBroadcastsNoPayloadMarker(t *testing.T) {
	fx := newPipelineFixture(t, testConfig(), handlers.JSON("ping", func(context.Context, json.RawMessage) error {
		return nil
	}, handlers.AllowEmptyPayload()))

	stream, _ := fx.svc.Broadcaster().Register("alice")
	if _, err := fx.svc.Producer().Publish(context.Background(), "ping", nil, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-stream.Events():
		if string(ev.Data) != `"`+broadcast.NoPayload+`"` {
			t.Fatalf("data = %s, want the no-payload marker", ev.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive the event")
	}
}

func TestPipelineDeadLettersAfterRetries(t *testing.T) {
	var calls atomic.Int32
	fx := newPipelineFixture(t, testConfig(), handlers.JSON("postReel", func(context.Context, reelDTO) error {
		calls.Add(1)
		return errors.New("storage unavailable")
	}))
	stream, _ := fx.svc.Broadcaster().Register("alice")

	if _, err := fx.svc.Producer().Publish(context.Background(), "postReel", reelDTO{ID: "r1", Title: "t"}, "user-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg := receive(t, fx.dlq)
	var rec deadletter.Record
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.ErrorType != "reelflow.HandlerExecutionError" || !strings.Contains(rec.Error, "storage unavailable") {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !strings.Contains(rec.OriginalMessage, `"eventName":"postReel"`) {
		t.Fatalf("original message not preserved: %s", rec.OriginalMessage)
	}
	if got := msg.Metadata.Get("partition_key"); got != "user-1" {
		t.Fatalf("dlq partition_key = %q", got)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("handler called %d times, want 3", n)
	}

	event := decodeCompletion(t, receive(t, fx.completion))
	if event.Success || event.ErrorMessage == nil {
		t.Fatalf("expected failed completion, got %+v", event)
	}

	select {
	case ev := <-stream.Events():
		t.Fatalf("failed event must not be broadcast, got %+v", ev)
	default:
	}

	stats := fx.svc.Stats()
	if stats.Events[0].MessagesDeadLetter != 1 || stats.Events[0].Retries != 2 {
		t.Fatalf("unexpected stats: %+v", stats.Events[0])
	}
	if stats.DeadLetter.TotalForwarded != 1 {
		t.Fatalf("TotalForwarded = %d, want 1", stats.DeadLetter.TotalForwarded)
	}
}

func TestPipelineDeadLettersUnknownEventImmediately(t *testing.T) {
	fx := newPipelineFixture(t, testConfig(), handlers.JSON("postReel", func(context.Context, reelDTO) error { return nil }))

	if _, err := fx.svc.Producer().Publish(context.Background(), "deleteReel", nil, "k"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var rec deadletter.Record
	if err := json.Unmarshal(receive(t, fx.dlq).Payload, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.ErrorType != "reelflow.UnknownEventKind" {
		t.Fatalf("ErrorType = %q", rec.ErrorType)
	}
	receive(t, fx.completion)

	stats := fx.svc.Stats()
	if len(stats.Events) != 1 || stats.Events[0].Attempts != 1 || stats.Events[0].Errors.UnknownEvent != 1 {
		t.Fatalf("unexpected stats: %+v", stats.Events)
	}
}

func TestPipelineGroupsUnknownEventStats(t *testing.T) {
	fx := newPipelineFixture(t, testConfig(), handlers.JSON("postReel", func(context.Context, reelDTO) error { return nil }))

	for _, name := range []string{"deleteReel", "archiveReel"} {
		if _, err := fx.svc.Producer().Publish(context.Background(), name, nil, "k"); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		receive(t, fx.completion)
	}

	stats := fx.svc.Stats()
	if len(stats.Events) != 1 {
		t.Fatalf("expected one stats entry, got %+v", stats.Events)
	}
	if got := stats.Events[0]; got.EventName != unknownEventStatsKey || got.MessagesProcessed != 2 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestPipelineDropsMalformedMessages(t *testing.T) {
	pubsub := newGoChannel()
	svc := newTestService(t, testConfig(), transportFor(pubsub, pubsub))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dlqIn, err := pubsub.Subscribe(ctx, svc.Conf.DeadLetterTopic)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	dlq := drain(dlqIn)
	startService(t, svc)

	if err := pubsub.Publish(svc.Conf.InputTopic, message.NewMessage(idspkg.CreateULID(), []byte("not json"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for svc.Stats().Malformed != 1 {
		select {
		case <-deadline:
			t.Fatal("malformed message was not counted")
		case <-time.After(10 * time.Millisecond):
		}
	}
	select {
	case msg := <-dlq:
		t.Fatalf("malformed message must not be dead-lettered, got %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPipelineDisabledDeadLetterDrops(t *testing.T) {
	conf := testConfig()
	disabled := false
	conf.DeadLetterEnabled = &disabled
	conf.RetryMaxAttempts = 1
	fx := newPipelineFixture(t, conf, handlers.JSON("postReel", func(context.Context, reelDTO) error {
		return errors.New("nope")
	}))

	if _, err := fx.svc.Producer().Publish(context.Background(), "postReel", reelDTO{Title: "t"}, "k"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	receive(t, fx.completion)

	if got := fx.svc.Stats().DeadLetter.TotalDropped; got != 1 {
		t.Fatalf("TotalDropped = %d, want 1", got)
	}
	select {
	case msg := <-fx.dlq:
		t.Fatalf("nothing should be dead-lettered, got %s", msg.Payload)
	default:
	}
}

func TestPipelinePreservesKeyOrderWithAffinity(t *testing.T) {
	conf := testConfig()
	conf.WorkerPoolSize = 4
	conf.WorkerKeyAffinity = true

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	fx := newPipelineFixture(t, conf, handlers.JSON("postReel", func(_ context.Context, reel reelDTO) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, reel.ID)
		if len(seen) == 5 {
			close(done)
		}
		return nil
	}))

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		if _, err := fx.svc.Producer().Publish(context.Background(), "postReel", reelDTO{ID: id, Title: "t"}, "user-1"); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all events were handled")
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != "1,2,3,4,5" {
		t.Fatalf("same-key events handled out of order: %v", seen)
	}
}

func TestChannelTransportPreservesKeyOrder(t *testing.T) {
	conf := testConfig()
	conf.WorkerPoolSize = 4
	conf.WorkerKeyAffinity = true
	svc, err := NewService(conf, newTestLogger(), ServiceDependencies{
		TransportFactory: transportpkg.DefaultFactory(),
		Registry:         prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	const total = 20
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	if err := svc.Handle(handlers.JSON("postReel", func(_ context.Context, reel reelDTO) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, reel.ID)
		if len(seen) == total {
			close(done)
		}
		return nil
	})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	startService(t, svc)

	want := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id := strconv.Itoa(i)
		want = append(want, id)
		if _, err := svc.Producer().Publish(context.Background(), "postReel", reelDTO{ID: id, Title: "t"}, "user-1"); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all events were handled")
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("same-key events handled out of order: %v", seen)
	}
}

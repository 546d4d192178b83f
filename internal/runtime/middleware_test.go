package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/reelflow/internal/runtime/ids"
)

func passthrough(msg *message.Message) ([]*message.Message, error) { return nil, nil }

func TestDefaultMiddlewaresOrder(t *testing.T) {
	want := []string{"correlation_id", "log_messages", "tracer", "metrics", "recoverer"}
	got := DefaultMiddlewares()
	if len(got) != len(want) {
		t.Fatalf("got %d middlewares, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("middleware %d = %q, want %q", i, got[i].Name, name)
		}
	}
}

func TestCorrelationIDMiddleware(t *testing.T) {
	mw := CorrelationIDMiddleware().Middleware

	t.Run("adds missing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		called := false
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			called = true
			if m.Metadata.Get("correlation_id") == "" {
				t.Fatal("expected correlation id to be populated")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called {
			t.Fatal("handler not invoked")
		}
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		msg.Metadata.Set("correlation_id", "fixed")
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			if m.Metadata.Get("correlation_id") != "fixed" {
				t.Fatal("expected correlation id to be preserved")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestTracerMiddlewareAttachesSpan(t *testing.T) {
	svc := newTestService(t, testConfig(), transportFor(&testPublisher{}, &testSubscriber{}))
	mw, err := TracerMiddleware().Builder(svc)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), nil)
	msg.SetContext(context.Background())
	var observed trace.Span
	_, err = mw(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanFromContext(m.Context())
		return nil, errors.New("boom")
	})(msg)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected handler error to pass through, got %v", err)
	}
	if observed == nil {
		t.Fatal("expected span to be attached to context")
	}
}

func TestLogMessagesMiddlewareRequiresLogger(t *testing.T) {
	svc := &Service{}
	if _, err := LogMessagesMiddleware(nil).Builder(svc); err == nil {
		t.Fatal("expected error without any logger")
	}

	mw, err := LogMessagesMiddleware(newTestLogger()).Builder(svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := message.NewMessage(idspkg.CreateULID(), []byte(`{"eventName":"postReel"}`))
	if _, err := mw(passthrough)(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMetricsMiddlewareDisabled(t *testing.T) {
	svc := newTestService(t, testConfig(), transportFor(&testPublisher{}, &testSubscriber{}))
	mw, err := MetricsMiddleware().Builder(svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mw != nil {
		t.Fatal("expected no middleware when metrics are disabled")
	}
}

func TestMetricsMiddlewareEnabled(t *testing.T) {
	conf := testConfig()
	conf.MetricsEnabled = true
	svc := newTestService(t, conf, transportFor(&testPublisher{}, &testSubscriber{}))
	mw, err := MetricsMiddleware().Builder(svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mw == nil {
		t.Fatal("expected metrics middleware")
	}
}

func TestRecovererMiddlewareConvertsPanics(t *testing.T) {
	mw := RecovererMiddleware().Middleware
	_, err := mw(func(*message.Message) ([]*message.Message, error) {
		panic("handler exploded")
	})(message.NewMessage(idspkg.CreateULID(), nil))
	if err == nil {
		t.Fatal("expected panic to be returned as an error")
	}
}

func TestRegisterMiddlewareValidations(t *testing.T) {
	t.Run("requires router", func(t *testing.T) {
		svc := &Service{}
		if err := svc.RegisterMiddleware(CorrelationIDMiddleware()); err == nil {
			t.Fatal("expected error without router")
		}
	})

	svc := newTestService(t, testConfig(), transportFor(&testPublisher{}, &testSubscriber{}))

	t.Run("requires middleware or builder", func(t *testing.T) {
		if err := svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}); err == nil {
			t.Fatal("expected error for empty registration")
		}
	})

	t.Run("propagates builder error", func(t *testing.T) {
		boom := errors.New("boom")
		err := svc.RegisterMiddleware(MiddlewareRegistration{
			Name:    "broken",
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, boom },
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected builder error, got %v", err)
		}
	})

	t.Run("nil builder result is skipped", func(t *testing.T) {
		err := svc.RegisterMiddleware(MiddlewareRegistration{
			Name:    "noop",
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, nil },
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

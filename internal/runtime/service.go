package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/reelflow/internal/runtime/broadcast"
	configpkg "github.com/drblury/reelflow/internal/runtime/config"
	"github.com/drblury/reelflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	"github.com/drblury/reelflow/internal/runtime/handlers"
	"github.com/drblury/reelflow/internal/runtime/jobs"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
	"github.com/drblury/reelflow/internal/runtime/retry"
	transportpkg "github.com/drblury/reelflow/internal/runtime/transport"
	brokers "github.com/drblury/reelflow/transport"
	httptransport "github.com/drblury/reelflow/transport/http"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	ErrorClassifier           ErrorClassifier

	// Registry receives the Prometheus collectors and backs the /metrics endpoint.
	// Nil uses the Prometheus default registry.
	Registry *prometheus.Registry
	// Notifier replaces the completion-topic publisher.
	Notifier jobs.Notifier
	// JobHooks run in addition to the logging and metrics hooks.
	JobHooks jobs.Hooks
	// SubscriberKey identifies live subscribers on the HTTP API.
	SubscriberKey broadcast.KeyFunc
	// Tracer defaults to the global OpenTelemetry provider.
	Tracer trace.Tracer
}

// Service consumes envelopes from the input topic, runs them through the registered
// handlers on a worker pool, and fans the converted payloads out to live subscribers.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transportpkg.Transport
	capabilities brokers.Capabilities
	router       *message.Router
	wmLogger     watermill.LoggerAdapter

	builder  *handlers.Builder
	registry *handlers.Registry

	runner      *jobs.Runner
	retry       *retry.Runner
	deadLetter  *deadletter.Forwarder
	dlqMetrics  *deadletter.Metrics
	broadcaster *broadcast.Registry
	producer    *Producer
	stats       *statsRegistry
	malformed   atomic.Uint64

	tracer     trace.Tracer
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	keyFunc    broadcast.KeyFunc

	httpServers   map[int]*chi.Mux
	servers       []*http.Server
	httpServersMu sync.Mutex

	mu       sync.Mutex
	started  bool
	stopping bool
	// routerDone is non-nil once Start handed the router to Run and is closed when Run returns.
	routerDone chan struct{}
	stopOnce   sync.Once
	stopErr    error
}

// NewService validates conf, builds the transport and wires the pipeline. Register handlers
// with Handle before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	effective := conf.WithDefaults()
	if err := effective.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": effective.PubSubSystem,
		"config":        effective.String(),
	})

	s := &Service{
		Conf:        &effective,
		Logger:      log,
		wmLogger:    wmLogger,
		builder:     handlers.NewBuilder(),
		stats:       newStatsRegistry(deps.ErrorClassifier),
		tracer:      deps.Tracer,
		keyFunc:     deps.SubscriberKey,
		httpServers: make(map[int]*chi.Mux),
	}
	if s.tracer == nil {
		s.tracer = defaultTracer()
	}
	if s.keyFunc == nil {
		s.keyFunc = broadcast.DefaultKeyFunc()
	}
	if deps.Registry != nil {
		s.registerer, s.gatherer = deps.Registry, deps.Registry
	} else {
		s.registerer, s.gatherer = prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(context.Background(), s.Conf, wmLogger)
	if err != nil {
		return nil, err
	}
	s.transport = transport
	s.capabilities = transportpkg.Capabilities(s.Conf)

	if err := s.wire(deps); err != nil {
		_ = transport.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) wire(deps ServiceDependencies) error {
	conf := s.Conf

	router, err := message.NewRouter(message.RouterConfig{}, s.wmLogger)
	if err != nil {
		return err
	}
	s.router = router

	retryIf := errspkg.IsRetryable
	if conf.RetryPayloadConversionErrors {
		retryIf = retry.RetryConversionErrors
	}
	s.retry, err = retry.NewRunner(retry.Policy{
		MaxAttempts: conf.RetryMaxAttempts,
		Backoff: retry.BackoffPolicy{
			Kind:       conf.RetryBackoff,
			Initial:    conf.RetryInitialInterval,
			Max:        conf.RetryMaxInterval,
			Multiplier: conf.RetryMultiplier,
		},
		AttemptTimeout: conf.RetryAttemptTimeout,
		RetryIf:        retryIf,
	}, s.Logger)
	if err != nil {
		return err
	}

	s.dlqMetrics = deadletter.NewMetrics(s.registerer)
	s.deadLetter, err = deadletter.NewForwarder(s.transport.Publisher, deadletter.Config{
		Topic:   conf.DeadLetterTopic,
		Enabled: conf.IsDeadLetterEnabled(),
	}, s.Logger, s.dlqMetrics)
	if err != nil {
		return err
	}

	s.broadcaster = broadcast.NewRegistry(broadcast.Config{
		BufferSize:     conf.SubscriberBufferSize,
		WriteTimeout:   conf.SubscriberWriteTimeout,
		AllowedOrigins: conf.APICORSAllowedOrigins,
	}, s.Logger)

	s.producer, err = NewProducer(s.transport.Publisher, conf.InputTopic, s.Logger, s.tracer)
	if err != nil {
		return err
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier, err = jobs.NewPublisherNotifier(s.transport.Publisher, conf.CompletionTopic)
		if err != nil {
			return err
		}
	}
	hooks := jobs.LoggingHooks(s.Logger).Merge(deps.JobHooks)

	if conf.MetricsEnabled {
		if err := s.dlqMetrics.Register(); err != nil {
			return err
		}
		jobMetrics, err := jobs.NewMetrics(s.registerer)
		if err != nil {
			return err
		}
		hooks = hooks.Merge(jobMetrics.Hooks())
	}

	s.runner = jobs.NewRunner(jobs.Config{
		Workers:       conf.WorkerPoolSize,
		QueueSize:     conf.WorkerQueueSize,
		KeyAffinity:   conf.WorkerKeyAffinity,
		ShutdownGrace: conf.ShutdownGracePeriod,
	}, s.Logger, jobs.WithNotifier(notifier), jobs.WithHooks(hooks))

	if conf.MetricsEnabled {
		if err := jobs.RegisterQueueGauge(s.registerer, s.runner); err != nil {
			return err
		}
		if conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	}
	if conf.APIPort > 0 {
		s.RegisterHTTPHandler(conf.APIPort, "/api/*", s.APIHandler())
	}

	if s.capabilities.PreservesKeyOrder() && !conf.WorkerKeyAffinity {
		s.Logger.Info("Broker orders events per key but worker key affinity is off; same-key events may complete out of order", loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
		})
	}

	return s.registerConfiguredMiddlewares(deps)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Handle adds handler registrations. It must be called before Start.
func (s *Service) Handle(regs ...handlers.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrRegistryAlreadyBuilt
	}
	s.builder.Add(regs...)
	return nil
}

// Start builds the handler registry, starts the job runner and HTTP servers, and consumes
// the input topic until ctx is cancelled or Stop is called. Call Stop afterwards to drain.
func (s *Service) Start(ctx context.Context) error {
	if err := s.prepare(); err != nil {
		return err
	}
	if err := s.startHTTPServers(); err != nil {
		return err
	}
	if s.Conf.PubSubSystem == httptransport.TransportName {
		go func() {
			select {
			case <-s.router.Running():
				httptransport.StartServer(s.transport.Subscriber, s.wmLogger)
			case <-ctx.Done():
			}
		}()
	}

	s.Logger.Info("Starting event service", loggingpkg.LogFields{
		"input_topic":    s.Conf.InputTopic,
		"dlq_topic":      s.Conf.DeadLetterTopic,
		"event_names":    s.registry.EventNames(),
		"workers":        s.Conf.WorkerPoolSize,
		"retry_attempts": s.Conf.RetryMaxAttempts,
	})

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return errspkg.ErrServiceStopped
	}
	done := make(chan struct{})
	s.routerDone = done
	s.mu.Unlock()

	defer close(done)
	return routerRun(s.router, ctx)
}

func (s *Service) prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return errspkg.ErrServiceStopped
	}
	if s.started {
		return errspkg.ErrServiceStarted
	}
	registry, err := s.builder.Build()
	if err != nil {
		return err
	}
	if err := s.runner.Start(); err != nil {
		return err
	}
	s.registry = registry
	s.router.AddNoPublisherHandler(
		consumerHandlerName,
		s.Conf.InputTopic,
		s.routerSubscriber(),
		s.consume,
	)
	s.started = true
	return nil
}

// routerSubscriber keeps the router from closing a pubsub that is also the publisher, so
// jobs still draining after the router stops can dead-letter and notify.
func (s *Service) routerSubscriber() message.Subscriber {
	if any(s.transport.Subscriber) == any(s.transport.Publisher) {
		return sharedSubscriber{s.transport.Subscriber}
	}
	return s.transport.Subscriber
}

type sharedSubscriber struct {
	message.Subscriber
}

func (sharedSubscriber) Close() error { return nil }

// Running is closed once the router consumes the input topic.
func (s *Service) Running() <-chan struct{} {
	return s.router.Running()
}

// Stop stops consuming, drains the job runner within the shutdown grace period, closes all
// live subscriber streams and the HTTP servers, then closes the transport. Calling Stop
// again returns the first result.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

// closeRouter closes the router only if Start handed it to Run. A router that never ran
// would otherwise hold Close for its full close timeout.
func (s *Service) closeRouter(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	done := s.routerDone
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-s.router.Running():
	case <-done:
		select {
		case <-s.router.Running():
		default:
			return nil
		}
	case <-ctx.Done():
	}
	return s.router.Close()
}

func (s *Service) stop(ctx context.Context) error {
	s.Logger.Info("Stopping event service", nil)

	var errs []error
	if err := s.closeRouter(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close router: %w", err))
	}
	if err := s.runner.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop job runner: %w", err))
	}
	s.broadcaster.CloseAll()

	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown HTTP server %s: %w", srv.Addr, err))
		}
	}

	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.Logger.Error("Event service stopped with errors", err, nil)
	} else {
		s.Logger.Info("Event service stopped", nil)
	}
	return err
}

// Broadcaster returns the live subscriber registry.
func (s *Service) Broadcaster() *broadcast.Registry { return s.broadcaster }

// Producer returns the adapter that publishes to the input topic.
func (s *Service) Producer() *Producer { return s.producer }

// Capabilities reports what the configured broker guarantees.
func (s *Service) Capabilities() brokers.Capabilities { return s.capabilities }

// Registry returns the handler registry, or nil before Start.
func (s *Service) Registry() *handlers.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// Stats returns a snapshot of the pipeline counters.
func (s *Service) Stats() PipelineStats {
	return PipelineStats{
		Events:      s.stats.snapshot(),
		Jobs:        s.runner.Stats(),
		DeadLetter:  s.dlqMetrics.Snapshot(),
		Subscribers: s.broadcaster.Len(),
		Malformed:   s.malformed.Load(),
		Resource:    s.stats.resources.Snapshot(),
		CollectedAt: time.Now().UTC(),
	}
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers start with
// the service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	mux, ok := s.httpServers[port]
	if !ok {
		mux = chi.NewRouter()
		s.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.servers = append(s.servers, srv)

		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	return nil
}

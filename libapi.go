package reelflow

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/reelflow/internal/runtime"
	"github.com/drblury/reelflow/internal/runtime/broadcast"
	configpkg "github.com/drblury/reelflow/internal/runtime/config"
	"github.com/drblury/reelflow/internal/runtime/deadletter"
	"github.com/drblury/reelflow/internal/runtime/envelope"
	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/reelflow/internal/runtime/handlers"
	idspkg "github.com/drblury/reelflow/internal/runtime/ids"
	"github.com/drblury/reelflow/internal/runtime/jobs"
	jsoncodec "github.com/drblury/reelflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/reelflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/reelflow/internal/runtime/metadata"
	"github.com/drblury/reelflow/internal/runtime/retry"
	transportpkg "github.com/drblury/reelflow/internal/runtime/transport"
	brokers "github.com/drblury/reelflow/transport"
)

type (
	Config               = configpkg.Config
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	Transport            = transportpkg.Transport
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc
	Capabilities         = brokers.Capabilities

	Envelope = envelope.Envelope

	HandlerRegistration = handlerpkg.Registration
	HandlerOption       = handlerpkg.Option
	HandlerRegistry     = handlerpkg.Registry
	Validator           = handlerpkg.Validator
	ValidatorFunc       = handlerpkg.ValidatorFunc
	MessageContext      = handlerpkg.MessageContext

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Producer      = runtimepkg.Producer
	PublishResult = runtimepkg.PublishResult

	RetryPolicy   = retry.Policy
	BackoffPolicy = retry.BackoffPolicy
	RetryOutcome  = retry.Outcome

	DeadLetterRecord   = deadletter.Record
	DeadLetterSnapshot = deadletter.Snapshot

	JobRecord       = jobs.JobRecord
	JobContext      = jobs.JobContext
	JobHooks        = jobs.Hooks
	JobStats        = jobs.Stats
	CompletionEvent = jobs.CompletionEvent
	Notifier        = jobs.Notifier
	NotifierFunc    = jobs.NotifierFunc

	Broadcaster       = broadcast.Registry
	BroadcastEvent    = broadcast.Event
	BroadcastResult   = broadcast.Result
	SubscriberKeyFunc = broadcast.KeyFunc

	PipelineStats   = runtimepkg.PipelineStats
	EventStats      = runtimepkg.EventStats
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError  = errspkg.ConfigValidationError
	UnknownEventKindError  = errspkg.UnknownEventKindError
	PayloadConversionError = errspkg.PayloadConversionError
	HandlerExecutionError  = errspkg.HandlerExecutionError
	BrokerDeliveryError    = errspkg.BrokerDeliveryError
	SubscriberWriteError   = errspkg.SubscriberWriteError
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig
	NewProducer    = runtimepkg.NewProducer

	DecodeEnvelope = envelope.Decode

	WithValidator      = handlerpkg.WithValidator
	AllowEmptyPayload  = handlerpkg.AllowEmptyPayload
	NewStructValidator = handlerpkg.NewStructValidator

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks = jobs.LoggingHooks

	StaticTransport   = transportpkg.Static
	DefaultTransports = transportpkg.DefaultFactory
	GetCapabilities   = brokers.GetCapabilities
	RegisterTransport = brokers.Register
	HeaderKeyFunc     = broadcast.HeaderKeyFunc
	QueryKeyFunc      = broadcast.QueryKeyFunc
	DefaultKeyFunc    = broadcast.DefaultKeyFunc

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	IsRetryable   = errspkg.IsRetryable
	ErrorTypeName = errspkg.TypeName

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrEventNameRequired     = errspkg.ErrEventNameRequired
	ErrDuplicateHandler      = errspkg.ErrDuplicateHandler
	ErrRegistryAlreadyBuilt  = errspkg.ErrRegistryAlreadyBuilt
	ErrMalformedEnvelope     = errspkg.ErrMalformedEnvelope
	ErrPayloadMissing        = errspkg.ErrPayloadMissing
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrRunnerStopped         = errspkg.ErrRunnerStopped
	ErrSubscriberKeyRequired = errspkg.ErrSubscriberKeyRequired
	ErrSubscriberSlow        = errspkg.ErrSubscriberSlow
	ErrServiceStarted        = errspkg.ErrServiceStarted
	ErrServiceStopped        = errspkg.ErrServiceStopped

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger   = loggingpkg.NewZerologServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID      = idspkg.CreateULID
	NewPartitionKey = idspkg.NewPartitionKey
)

// Metadata keys set on every published message.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyPartitionKey  = metadatapkg.KeyPartitionKey
	MetadataKeyEventName     = metadatapkg.KeyEventName
	MetadataKeyJobID         = metadatapkg.KeyJobID
	MetadataKeyErrorType     = metadatapkg.KeyErrorType
	MetadataKeyTraceID       = metadatapkg.KeyTraceID

	// NoPayload is the data broadcast for events published without a payload.
	NoPayload = broadcast.NoPayload

	PartitionKeyHeader  = runtimepkg.PartitionKeyHeader
	SubscriberKeyHeader = broadcast.DefaultKeyHeader
)

const (
	ErrorCategoryNone         = runtimepkg.ErrorCategoryNone
	ErrorCategoryUnknownEvent = runtimepkg.ErrorCategoryUnknownEvent
	ErrorCategoryConversion   = runtimepkg.ErrorCategoryConversion
	ErrorCategoryHandler      = runtimepkg.ErrorCategoryHandler
	ErrorCategoryBroker       = runtimepkg.ErrorCategoryBroker
	ErrorCategoryTimeout      = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryOther        = runtimepkg.ErrorCategoryOther
)

// JSON registers action for eventName with payloads decoded from JSON into T.
func JSON[T any](eventName string, action func(ctx context.Context, payload T) error, opts ...HandlerOption) HandlerRegistration {
	return handlerpkg.JSON(eventName, action, opts...)
}

// Proto registers action for eventName with payloads decoded via protojson into T.
func Proto[T proto.Message](eventName string, action func(ctx context.Context, payload T) error, opts ...HandlerOption) HandlerRegistration {
	return handlerpkg.Proto(eventName, action, opts...)
}

// MessageContextFrom returns the delivery context attached to handler contexts.
func MessageContextFrom(ctx context.Context) (MessageContext, bool) {
	return handlerpkg.MessageContextFrom(ctx)
}

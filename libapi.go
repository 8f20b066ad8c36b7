package protocols

import (
	"context"

	runtimepkg "github.com/zutils/protocols/internal/runtime"
	"github.com/zutils/protocols/internal/runtime/boundary"
	"github.com/zutils/protocols/internal/runtime/combiner"
	configpkg "github.com/zutils/protocols/internal/runtime/config"
	"github.com/zutils/protocols/internal/runtime/contract"
	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	idspkg "github.com/zutils/protocols/internal/runtime/ids"
	jsoncodec "github.com/zutils/protocols/internal/runtime/jsoncodec"
	"github.com/zutils/protocols/internal/runtime/loader"
	loggingpkg "github.com/zutils/protocols/internal/runtime/logging"
	metadatapkg "github.com/zutils/protocols/internal/runtime/metadata"
	"github.com/zutils/protocols/internal/runtime/tree"
	"github.com/zutils/protocols/internal/runtime/watcher"
	"github.com/zutils/protocols/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	TransportFactory    = runtimepkg.TransportFactory

	// Envelope model
	Schema              = envelope.Schema
	RequestType         = envelope.RequestType
	Envelope            = envelope.Envelope
	Payload             = envelope.Payload
	Destination         = envelope.Destination
	GenerateMessageInfo = envelope.GenerateMessageInfo
	Data                = envelope.Data
	RpcData             = envelope.RpcData
	Error               = envelope.Error
	ModuleInfo          = envelope.ModuleInfo
	VecModuleInfo       = envelope.VecModuleInfo
	VecData             = envelope.VecData
	VecRpcData          = envelope.VecRpcData

	// Module authoring
	Module       = contract.Module
	ModuleBase   = contract.Base
	RPCMux       = contract.RPCMux
	RPCFunc      = contract.RPCFunc
	Templates    = contract.Templates
	TemplateFunc = contract.TemplateFunc

	// Module tree
	Node             = tree.Node
	NodeOption       = tree.Option
	Handle           = tree.Handle
	Registration     = tree.Registration
	Call             = tree.Call
	InvokeFunc       = tree.InvokeFunc
	InvokeMiddleware = tree.InvokeMiddleware
	Propagator       = tree.Propagator

	ModuleHandle   = boundary.Handle
	SandboxConfig  = boundary.SandboxConfig
	Loader         = loader.Loader
	LoaderOptions  = loader.Options
	Watcher        = watcher.Watcher
	WatcherOptions = watcher.Options
	Combiner       = combiner.Combiner

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	IngressRegistration    = runtimepkg.IngressRegistration

	Producer = runtimepkg.Producer

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ModuleStats           = runtimepkg.ModuleStats
	ModuleView            = runtimepkg.ModuleView
	ModulesResponse       = runtimepkg.ModulesResponse
	ResourceUsage         = runtimepkg.ResourceUsage
	Metrics               = runtimepkg.Metrics
	ConfigValidationError = errspkg.ConfigValidationError

	// Invocation lifecycle hooks
	InvocationContext = runtimepkg.InvocationContext
	InvocationHooks   = runtimepkg.InvocationHooks

	// Cascade of HandleTrusted follow-ups
	CascadeQueue  = runtimepkg.CascadeQueue
	CascadeConfig = runtimepkg.CascadeConfig
	CascadeHooks  = runtimepkg.CascadeHooks
	CascadeStats  = runtimepkg.CascadeStats

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

// Request types.
const (
	None               = envelope.None
	GetInfo            = envelope.GetInfo
	GenerateMessage    = envelope.GenerateMessage
	HandleTrusted      = envelope.HandleTrusted
	ReceiveRPCAsClient = envelope.ReceiveRPCAsClient
	ReceiveRPCAsServer = envelope.ReceiveRPCAsServer
	ReceivePublicRPC   = envelope.ReceivePublicRPC

	// ProtocolVersion is the version tag every module must report.
	ProtocolVersion = envelope.ProtocolVersion

	// DecodeFailureMessage is the Error result of an envelope that cannot be parsed.
	DecodeFailureMessage = tree.DecodeFailureMessage
)

var (
	NewService      = runtimepkg.NewService
	RegisterIngress = runtimepkg.RegisterIngress
	DefaultConfig   = configpkg.Default
	LoadConfig      = configpkg.Load
	ValidateConfig  = configpkg.ValidateConfig

	NewNode         = tree.NewNode
	WithVersion     = tree.WithVersion
	WithConcurrency = tree.WithConcurrency
	WithLogger      = tree.WithLogger
	WithMiddleware  = tree.WithMiddleware
	NewLocalHandle  = tree.NewLocalHandle
	NewLoader       = loader.New
	NewWatcher      = watcher.New
	NewCombiner     = combiner.New
	CombinedErrors  = combiner.Errors

	NewRPCMux    = contract.NewRPCMux
	MethodName   = contract.MethodName
	NewTemplates = contract.NewTemplates
	EncodeArg    = contract.EncodeArg
	DecodeArg    = contract.DecodeArg
	DispatchTo   = contract.Dispatch

	NewGetInfoRequest         = envelope.NewGetInfoRequest
	NewGenerateMessageRequest = envelope.NewGenerateMessageRequest
	NewHandleTrustedRequest   = envelope.NewHandleTrustedRequest
	NewRPCRequest             = envelope.NewRPCRequest
	NewResult                 = envelope.NewResult
	NewError                  = envelope.NewError
	AsError                   = envelope.AsError
	MarshalEnvelope           = envelope.Marshal
	UnmarshalEnvelope         = envelope.Unmarshal
	MarshalEnvelopes          = envelope.MarshalVec
	UnmarshalEnvelopes        = envelope.UnmarshalVec

	DefaultMiddlewares  = runtimepkg.DefaultMiddlewares
	TracerMiddleware    = runtimepkg.TracerMiddleware
	HooksMiddleware     = runtimepkg.HooksMiddleware
	StatsMiddleware     = runtimepkg.StatsMiddleware
	MetricsMiddleware   = runtimepkg.MetricsMiddleware
	TimeoutMiddleware   = runtimepkg.TimeoutMiddleware
	RecovererMiddleware = runtimepkg.RecovererMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewMetrics = runtimepkg.NewMetrics

	PublishEnvelope        = runtimepkg.PublishEnvelope
	NewMessageFromEnvelope = runtimepkg.NewMessageFromEnvelope

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrPathNotFound         = errspkg.ErrPathNotFound
	ErrUnknownExtension     = errspkg.ErrUnknownExtension
	ErrMissingSymbol        = errspkg.ErrMissingSymbol
	ErrVersionMismatch      = errspkg.ErrVersionMismatch
	ErrAlreadyLoaded        = errspkg.ErrAlreadyLoaded
	ErrNoResponse           = errspkg.ErrNoResponse
	ErrUnknownTemplate      = errspkg.ErrUnknownTemplate
	ErrUnknownMethod        = errspkg.ErrUnknownMethod
	ErrUnsupportedOperation = errspkg.ErrUnsupportedOperation
	ErrCallTimeout          = errspkg.ErrCallTimeout
	ErrQueueFull            = errspkg.ErrQueueFull
	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrUnknownTransport     = transport.ErrUnknownTransport

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewLevelLogger       = loggingpkg.NewLevelLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys carried by ingress messages.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyDestination   = metadatapkg.KeyDestination
	MetadataKeyRequestType   = metadatapkg.KeyRequestType
	MetadataKeyReplyTo       = metadatapkg.KeyReplyTo
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone        = runtimepkg.ErrorCategoryNone
	ErrorCategoryDecode      = runtimepkg.ErrorCategoryDecode
	ErrorCategoryTimeout     = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryRequest     = runtimepkg.ErrorCategoryRequest
	ErrorCategoryUnavailable = runtimepkg.ErrorCategoryUnavailable
	ErrorCategoryModule      = runtimepkg.ErrorCategoryModule
)

// HandleTyped registers an RPC method whose argument is decoded into A.
func HandleTyped[A any](m *RPCMux, method string, fn func(ctx context.Context, arg A) (*VecRpcData, error)) *RPCMux {
	return contract.HandleTyped(m, method, fn)
}

// ServeFFI decodes in, propagates it through p and encodes the results. A
// native module's exported PropagateFFI is usually a one-line call to it.
func ServeFFI(ctx context.Context, p Propagator, in []byte) []byte {
	return tree.ServeFFI(ctx, p, in)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

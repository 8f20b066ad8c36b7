package errors

import sterrors "errors"

// Load errors.
var (
	ErrPathNotFound     = sterrors.New("protocols: module path does not exist")
	ErrUnknownExtension = sterrors.New("protocols: cannot determine module extension")
	ErrMissingSymbol    = sterrors.New("protocols: required exported symbol is missing")
	ErrBadSymbol        = sterrors.New("protocols: exported symbol has the wrong signature")
	ErrVersionMismatch  = sterrors.New("protocols: protocol version mismatch")
	ErrNoModuleInfo     = sterrors.New("protocols: module reported no info")
	ErrEmptySchema      = sterrors.New("protocols: module reported an empty schema")
	ErrAlreadyLoaded    = sterrors.New("protocols: module path is already loaded")
	ErrModuleClosed     = sterrors.New("protocols: module is closed")
	ErrSchemaTaken      = sterrors.New("protocols: schema is already registered by another module")
)

// Dispatch errors.
var (
	ErrNoResponse             = sterrors.New("protocols: no response for request")
	ErrUnknownTemplate        = sterrors.New("protocols: unrecognized template")
	ErrUnknownMethod          = sterrors.New("protocols: unrecognized rpc method")
	ErrUnsupportedOperation   = sterrors.New("protocols: operation not supported by module")
	ErrUnsupportedRequestType = sterrors.New("protocols: unsupported request type")
	ErrDecode                 = sterrors.New("protocols: cannot decode envelope")
	ErrCallTimeout            = sterrors.New("protocols: module call timed out")
)

// Sandboxed boundary errors.
var (
	ErrIdentifierInUse    = sterrors.New("protocols: rendezvous identifier already in use")
	ErrIdentifierNotFound = sterrors.New("protocols: rendezvous identifier does not exist")
	ErrForeignIdentifier  = sterrors.New("protocols: rendezvous identifier belongs to another call")
)

// Cascade errors.
var (
	ErrQueueFull     = sterrors.New("protocols: cascade queue is full")
	ErrQueueClosed   = sterrors.New("protocols: cascade queue is closed")
	ErrCascadeDepth  = sterrors.New("protocols: cascade depth exceeded")
	ErrNodeRequired  = sterrors.New("protocols: propagation node is required")
	ErrNodeCycle     = sterrors.New("protocols: child would create a cycle")
	ErrLoaderMissing = sterrors.New("protocols: loader is required")
)

// Service errors.
var (
	ErrServiceRequired   = sterrors.New("protocols: router service is required")
	ErrPublisherRequired = sterrors.New("protocols: publisher is required")
	ErrTopicRequired     = sterrors.New("protocols: topic is required")
	ErrConfigRequired    = sterrors.New("protocols: configuration is required")
	ErrLoggerRequired    = sterrors.New("protocols: logger is required")
	ErrEnvelopeRequired  = sterrors.New("protocols: envelope is required")
)

// ConfigValidationError wraps the joined validation failures of a configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "protocols: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

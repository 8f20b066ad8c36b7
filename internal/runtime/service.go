package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zutils/protocols/internal/runtime/boundary"
	"github.com/zutils/protocols/internal/runtime/combiner"
	configpkg "github.com/zutils/protocols/internal/runtime/config"
	"github.com/zutils/protocols/internal/runtime/contract"
	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/ids"
	"github.com/zutils/protocols/internal/runtime/loader"
	loggingpkg "github.com/zutils/protocols/internal/runtime/logging"
	"github.com/zutils/protocols/internal/runtime/metadata"
	"github.com/zutils/protocols/internal/runtime/tree"
	"github.com/zutils/protocols/internal/runtime/watcher"
	"github.com/zutils/protocols/transport"
	_ "github.com/zutils/protocols/transport/transports"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// TransportFactory builds the ingress publisher and subscriber.
// *transport.Registry satisfies it.
type TransportFactory interface {
	Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error)
}

// capabilitiesSource is implemented by factories that know what their
// transports support. *transport.Registry satisfies it.
type capabilitiesSource interface {
	GetCapabilities(name string) transport.Capabilities
}

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	TransportFactory TransportFactory
	// Registerer receives the Prometheus collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer   prometheus.Registerer
	Hooks        InvocationHooks
	CascadeHooks CascadeHooks

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips the default middleware chain when true.
	ErrorClassifier           ErrorClassifier
}

// Service owns a propagation tree together with everything that feeds it:
// the loader, the cascade queue, the optional ingress router and the HTTP
// servers for metrics and introspection.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	root     *tree.Node
	loader   *loader.Loader
	combiner *combiner.Combiner
	cascade  *CascadeQueue

	transport  transport.Transport
	caps       transport.Capabilities
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	registerer prometheus.Registerer
	metrics    *Metrics

	hooks           InvocationHooks
	stats           *moduleStatsSet
	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. Modules can
// be added before or after Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating router service", loggingpkg.LogFields{
		"pubsub_system":    conf.PubSubSystem,
		"protocol_version": conf.Version(),
		"config":           conf,
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		registerer:      deps.Registerer,
		hooks:           deps.Hooks,
		stats:           newModuleStatsSet(),
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}

	if conf.MetricsEnabled {
		s.metrics = NewMetrics(s.registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", s.metricsHandler())
		}
	}

	mws, err := s.buildMiddlewares(deps)
	if err != nil {
		return nil, err
	}

	s.root = tree.NewNode(
		tree.WithVersion(conf.Version()),
		tree.WithConcurrency(conf.MaxConcurrentInvocations),
		tree.WithLogger(log),
		tree.WithMiddleware(mws...),
	)
	s.loader = loader.New(loader.Options{
		Version:     conf.Version(),
		Logger:      log,
		CallTimeout: conf.ForeignCallTimeout,
		Sandbox: boundary.SandboxConfig{
			MemoryLimitPages: conf.WasmMemoryLimitPages,
			Logger:           log,
		},
	})
	s.combiner = combiner.New(log)
	s.cascade = NewCascadeQueue(CascadeConfig{
		Workers:   conf.CascadeWorkers,
		QueueSize: conf.CascadeQueueSize,
		MaxDepth:  conf.CascadeMaxDepth,
		Logger:    log,
		Metrics:   s.metrics,
		Hooks:     deps.CascadeHooks,
	}, s.handleFollowUp)

	if conf.PubSubSystem != "" {
		if err := s.setupIngress(ctx, deps); err != nil {
			_ = s.cascade.Close(ctx)
			return nil, err
		}
	}

	return s, nil
}

func (s *Service) setupIngress(ctx context.Context, deps ServiceDependencies) error {
	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)

	factory := deps.TransportFactory
	if factory == nil {
		factory = transport.DefaultRegistry
	}
	t, err := factory.Build(ctx, s.Conf, wmLogger)
	if err != nil {
		return fmt.Errorf("build %s transport: %w", s.Conf.PubSubSystem, err)
	}
	s.transport = t
	s.publisher = t.Publisher
	s.subscriber = t.Subscriber
	s.caps = transport.Capabilities{Name: s.Conf.PubSubSystem}
	if src, ok := factory.(capabilitiesSource); ok {
		s.caps = src.GetCapabilities(s.Conf.PubSubSystem)
	}
	if s.caps.SharedConsumption {
		s.Logger.Info("Ingress topic is shared between router instances", loggingpkg.LogFields{
			"transport": s.caps.Name,
			"topic":     s.Conf.IngressTopic,
		})
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		_ = t.Close()
		return err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if s.Conf.MetricsEnabled {
		metrics.NewPrometheusMetricsBuilder(s.registerer, "protocols", s.Conf.PubSubSystem).
			AddPrometheusRouterMetrics(s.router)
	}
	for _, mw := range s.ingressMiddlewares() {
		s.router.AddMiddleware(mw)
	}

	return RegisterIngress(s, IngressRegistration{
		Name:           "ingress",
		ConsumeQueue:   s.Conf.IngressTopic,
		PublishQueue:   s.Conf.ReplyTopic,
		MaxMessageSize: s.caps.MaxMessageSize,
	})
}

func (s *Service) metricsHandler() http.Handler {
	if g, ok := s.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Root returns the root node of the propagation tree.
func (s *Service) Root() *tree.Node { return s.root }

// Loader returns the loader used for file based modules.
func (s *Service) Loader() *loader.Loader { return s.loader }

// TransportCapabilities reports what the ingress transport supports. It is
// the zero value when no pubsub system is configured.
func (s *Service) TransportCapabilities() transport.Capabilities { return s.caps }

// Cascade returns the follow-up queue.
func (s *Service) Cascade() *CascadeQueue { return s.cascade }

// Metrics returns the Prometheus collectors, or nil when metrics are disabled.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Propagate routes env through the tree. The follow-up data returned for a
// HandleTrusted request is handed to the cascade queue; the results are
// returned unchanged.
func (s *Service) Propagate(ctx context.Context, env *envelope.Envelope) []*envelope.Envelope {
	if metadata.CorrelationIDFromContext(ctx) == "" {
		ctx = metadata.ContextWithCorrelationID(ctx, ids.CreateULID())
	}

	results := s.root.Propagate(ctx, env)
	if env != nil && env.RequestType == envelope.HandleTrusted {
		s.enqueueFollowUps(ctx, s.combiner.VecData(results).Items)
	}
	return results
}

// Dispatch is Propagate with an explicit error for a missing envelope.
func (s *Service) Dispatch(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	if env == nil {
		return nil, errspkg.ErrEnvelopeRequired
	}
	return s.Propagate(ctx, env), nil
}

// HandleBytes decodes an envelope, propagates it and encodes the result
// collection. It never fails: decode errors become an Error result.
func (s *Service) HandleBytes(ctx context.Context, in []byte) []byte {
	return tree.ServeFFI(ctx, s, in)
}

func (s *Service) enqueueFollowUps(ctx context.Context, items []envelope.Data) {
	if len(items) == 0 {
		return
	}
	if err := s.cascade.Enqueue(items, 1); err != nil {
		s.Logger.Debug("Some follow-up messages were not queued", loggingpkg.LogFields{
			"correlation_id": metadata.CorrelationIDFromContext(ctx),
			"follow_ups":     len(items),
			"error":          err.Error(),
		})
	}
}

// handleFollowUp is the cascade worker body: it delivers one follow-up and
// hands back the next generation.
func (s *Service) handleFollowUp(ctx context.Context, data envelope.Data) ([]envelope.Data, []string) {
	results := s.root.Propagate(ctx, envelope.NewHandleTrustedRequest(data))
	return s.combiner.VecData(results).Items, combiner.Errors(results)
}

// GetInfo describes the modules serving schema, or every module when schema
// is empty.
func (s *Service) GetInfo(ctx context.Context, schema envelope.Schema) *envelope.VecModuleInfo {
	return s.combiner.ModuleInfo(s.Propagate(ctx, envelope.NewGetInfoRequest(schema)))
}

// GenerateMessage asks the module serving info.Schema to fill a template.
func (s *Service) GenerateMessage(ctx context.Context, info envelope.GenerateMessageInfo) (*envelope.Data, error) {
	return s.combiner.Data(info.Schema, s.Propagate(ctx, envelope.NewGenerateMessageRequest(info)))
}

// HandleTrusted delivers data and returns the follow-ups. The follow-ups are
// also re-dispatched asynchronously.
func (s *Service) HandleTrusted(ctx context.Context, data envelope.Data) *envelope.VecData {
	return s.combiner.VecData(s.Propagate(ctx, envelope.NewHandleTrustedRequest(data)))
}

func (s *Service) ReceiveRPCAsClient(ctx context.Context, rpc envelope.RpcData) *envelope.VecRpcData {
	return s.rpc(ctx, envelope.ReceiveRPCAsClient, rpc)
}

func (s *Service) ReceiveRPCAsServer(ctx context.Context, rpc envelope.RpcData) *envelope.VecRpcData {
	return s.rpc(ctx, envelope.ReceiveRPCAsServer, rpc)
}

func (s *Service) ReceivePublicRPC(ctx context.Context, rpc envelope.RpcData) *envelope.VecRpcData {
	return s.rpc(ctx, envelope.ReceivePublicRPC, rpc)
}

func (s *Service) rpc(ctx context.Context, rt envelope.RequestType, rpc envelope.RpcData) *envelope.VecRpcData {
	return s.combiner.RPCData(s.Propagate(ctx, envelope.NewRPCRequest(rt, rpc)))
}

// AddModule registers an in-process module on the root node.
func (s *Service) AddModule(ctx context.Context, m contract.Module) (tree.Handle, error) {
	h, err := s.root.AddModule(ctx, m)
	if err != nil {
		return nil, err
	}
	s.refreshModuleGauge()
	return h, nil
}

// Load opens the module file at path and registers it on the root node.
func (s *Service) Load(ctx context.Context, path string) (*boundary.Handle, error) {
	h, err := s.loader.LoadInto(ctx, s.root, path)
	if err != nil {
		return nil, err
	}
	s.refreshModuleGauge()
	return h, nil
}

// Unload removes the module loaded from path and closes it.
func (s *Service) Unload(ctx context.Context, path string) error {
	err := s.loader.Unload(ctx, s.root, path)
	s.refreshModuleGauge()
	return err
}

// LoadModules loads every file matching the configured module glob. A bad
// file does not stop the others; the joined error lists every failure.
func (s *Service) LoadModules(ctx context.Context) ([]*boundary.Handle, error) {
	if s.Conf.ModuleGlob == "" {
		return nil, nil
	}
	handles, err := s.loader.LoadGlob(ctx, s.root, s.Conf.ModuleGlob)
	s.refreshModuleGauge()
	s.Logger.Info("Loaded modules", loggingpkg.LogFields{
		"glob":    s.Conf.ModuleGlob,
		"modules": len(handles),
	})
	return handles, err
}

func (s *Service) refreshModuleGauge() {
	s.metrics.SetModulesLoaded(len(s.root.Modules()))
}

// Start runs the watcher, the HTTP servers and the ingress router until ctx
// is cancelled.
func (s *Service) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.Conf.WatchDir != "" {
		w, err := watcher.New(s.loader, s.root, watcher.Options{
			Dir:        s.Conf.WatchDir,
			Recursive:  s.Conf.WatchRecursive,
			Extensions: s.Conf.WatchExtensions,
			Debounce:   s.Conf.WatchDebounce,
			Logger:     s.Logger,
			OnLoad: func(string, error) {
				s.refreshModuleGauge()
			},
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", s.Conf.WatchDir, err)
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	s.StartWebUIServer()
	s.startHTTPServers(ctx, g)

	if s.router != nil {
		g.Go(func() error { return routerRun(s.router, ctx) })
	} else {
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the cascade queue, the ingress and the HTTP servers, then
// closes every module. It is safe to call more than once.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.cascade.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close cascade: %w", err))
		}
		if s.router != nil {
			if err := s.router.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close router: %w", err))
			}
		}
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}

		s.httpServersMu.Lock()
		servers := s.servers
		s.servers = nil
		s.httpServersMu.Unlock()
		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}

		if err := s.root.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close modules: %w", err))
		}
		if err := s.loader.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close loader: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers
// are started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}

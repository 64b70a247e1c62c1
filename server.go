package stride

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/intake"
	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/rpc"
	"pkt.systems/stride/internal/storage"
	"pkt.systems/stride/internal/svcfields"
	"pkt.systems/stride/internal/swap"
)

// Server runs a custodian: the request channel over HTTP, the swap runs, and
// the optional Kafka intake.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	backend   storage.Backend
	records   *record.Store
	custodian *swap.Custodian
	httpSrv   *http.Server
	listener  net.Listener
	telemetry *telemetry

	intake    *intake.Intake
	consumer  intake.Consumer
	publisher intake.Publisher

	runCtx    context.Context
	runCancel context.CancelFunc
	bg        sync.WaitGroup

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	ready        atomic.Bool
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	logger        pslog.Logger
	backend       storage.Backend
	clock         clock.Clock
	source        ledger.Gateway
	destination   ledger.Gateway
	consumer      intake.Consumer
	publisher     intake.Publisher
	custodianOpts []swap.CustodianOption
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackend injects a pre-built storage backend instead of opening
// cfg.Store.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithGateways injects ledger gateways instead of opening the configured
// ledger URLs.
func WithGateways(source, destination ledger.Gateway) Option {
	return func(o *options) {
		o.source = source
		o.destination = destination
	}
}

// WithIntake injects the request consumer and the reply/status publisher
// used in place of Kafka.
func WithIntake(consumer intake.Consumer, publisher intake.Publisher) Option {
	return func(o *options) {
		o.consumer = consumer
		o.publisher = publisher
	}
}

// WithCustodianOptions forwards options to the custodian.
func WithCustodianOptions(opts ...swap.CustodianOption) Option {
	return func(o *options) { o.custodianOpts = append(o.custodianOpts, opts...) }
}

// NewServer validates cfg and wires storage, ledgers, the custodian and the
// request channel. Nothing is served until Start.
//
//	cfg := stride.DefaultConfig()
//	cfg.Source.Address = "0x..."
//	cfg.Destination.Address = "0x..."
//	srv, err := stride.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.Or(o.clock)
	runCtx, runCancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), logger))
	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		clock:     clk,
		runCtx:    runCtx,
		runCancel: runCancel,
		readyCh:   make(chan struct{}),
	}
	defer func() {
		if err != nil {
			s.release(context.Background())
		}
	}()

	if s.telemetry, err = setupTelemetry(runCtx, cfg.telemetry(), svcfields.WithSubsystem(logger, "telemetry")); err != nil {
		return nil, err
	}

	s.backend = o.backend
	if s.backend == nil {
		if s.backend, err = OpenStore(runCtx, cfg, logger, clk); err != nil {
			return nil, err
		}
	}
	crypto, err := OpenCrypto(cfg)
	if err != nil {
		return nil, err
	}

	s.consumer, s.publisher = o.consumer, o.publisher
	if cfg.KafkaBrokers != "" {
		kcfg := intake.KafkaConfig{
			Brokers:      cfg.KafkaBrokers,
			GroupID:      cfg.KafkaGroupID,
			RequestTopic: cfg.KafkaRequestTopic,
			Extra:        cfg.KafkaExtra,
		}
		if s.publisher == nil {
			if s.publisher, err = intake.NewKafkaPublisher(kcfg, logger); err != nil {
				return nil, err
			}
		}
		if s.consumer == nil {
			if s.consumer, err = intake.NewKafkaConsumer(kcfg); err != nil {
				return nil, err
			}
		}
	}

	storeOpts := []record.Option{
		record.WithCrypto(crypto),
		record.WithClock(clk),
		record.WithLogger(logger),
	}
	if cfg.KafkaStatusTopic != "" && s.publisher != nil {
		notifier := intake.NewNotifier(s.publisher, cfg.KafkaStatusTopic, logger)
		storeOpts = append(storeOpts, record.WithObserver(notifier.Observe))
	}
	s.records = record.New(s.backend, storeOpts...)

	source, destination, err := s.legs(o)
	if err != nil {
		return nil, err
	}
	rate, err := cfg.ParsedRate()
	if err != nil {
		return nil, err
	}
	s.custodian, err = swap.NewCustodian(swap.Config{
		Source:          source,
		Destination:     destination,
		Rate:            rate,
		TimeoutBlocks:   cfg.TimeoutBlocks,
		PollInterval:    cfg.PollInterval,
		Retry:           cfg.SwapRetry(),
		RecoverInterval: cfg.RecoverInterval,
		Store:           s.records,
		Clock:           clk,
		Logger:          logger,
	}, o.custodianOpts...)
	if err != nil {
		return nil, err
	}

	if s.consumer != nil {
		replyTopic := cfg.KafkaReplyTopic
		if s.publisher == nil {
			replyTopic = ""
		}
		if s.intake, err = intake.New(intake.Config{
			Consumer:   s.consumer,
			Publisher:  s.publisher,
			Custodian:  s.custodian,
			ReplyTopic: replyTopic,
			Clock:      clk,
			Logger:     logger,
		}); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	rpc.New(rpc.Config{
		Custodian:    s.custodian,
		Logger:       logger,
		Tracing:      cfg.HTTPTracing,
		Ready:        s.ready.Load,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}).Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}
	return s, nil
}

func (s *Server) legs(o options) (swap.Leg, swap.Leg, error) {
	custodian := s.cfg.Source.Address
	source := swap.Leg{Gateway: o.source, BlockInterval: s.cfg.Source.BlockInterval, Sender: s.cfg.Source.Sender()}
	destination := swap.Leg{Gateway: o.destination, BlockInterval: s.cfg.Destination.BlockInterval, Sender: s.cfg.Destination.Sender()}
	var err error
	if source.Gateway == nil {
		if source, err = s.cfg.Source.Leg(s.runCtx, SourceLedger, custodian, s.clock, s.logger); err != nil {
			return swap.Leg{}, swap.Leg{}, err
		}
	}
	if destination.Gateway == nil {
		if destination, err = s.cfg.Destination.Leg(s.runCtx, DestinationLedger, custodian, s.clock, s.logger); err != nil {
			return swap.Leg{}, swap.Leg{}, err
		}
	}
	return source, destination, nil
}

// Custodian exposes the orchestrator, mainly for embedding and tests.
func (s *Server) Custodian() *swap.Custodian { return s.custodian }

// Handler returns the request channel handler.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start recovers unfinished swaps, then serves requests and blocks until the
// server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if err := s.custodian.Start(s.runCtx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("recover swaps: %w", err)
	}
	if s.intake != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			_ = s.intake.Run(s.runCtx)
		}()
	}
	s.ready.Store(true)
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "store", s.cfg.Store, "kafka", s.intake != nil)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, cancels swap runs (their records stay
// at the last durable status) and releases storage and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	s.ready.Store(false)

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("shutdown.complete")
	return errors.Join(errs...)
}

// release stops background work and closes what NewServer opened.
func (s *Server) release(ctx context.Context) error {
	s.runCancel()
	if s.custodian != nil {
		s.custodian.Wait()
	}
	s.bg.Wait()
	var errs []error
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("intake consumer close: %w", err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("intake publisher close: %w", err))
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if s.telemetry != nil {
		telCtx := ctx
		if telCtx.Err() != nil {
			var cancel context.CancelFunc
			telCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until recovery has run and the listener is bound, or
// ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Serve returned, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and waits until it is
// ready. The returned stop function shuts it down; it also runs when ctx
// ends.
//
//	srv, stop, err := stride.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}

package egress

import (
	"context"
	"os"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	"github.com/sagernet/sing-egress/api"
	"github.com/sagernet/sing-egress/common/taskmonitor"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/forger"
	"github.com/sagernet/sing-egress/generation"
	"github.com/sagernet/sing-egress/include"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"
	"github.com/sagernet/sing-egress/resolver"
	"github.com/sagernet/sing-egress/session"
	"github.com/sagernet/sing-egress/telemetry"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
	"github.com/sagernet/sing/service"
)

// Engine assembles the resolver, certificate, generation and session layers
// behind a single lifecycle. Configuration swaps after startup go through
// Generations().Publish, which never interrupts established sessions.
type Engine struct {
	createdAt   time.Time
	ctx         context.Context
	logFactory  log.Factory
	logger      log.ContextLogger
	resolvers   *resolver.Manager
	forger      *forger.Forger
	broker      *telemetry.Broker
	metrics     *telemetry.Metrics
	generations *generation.Manager
	sessions    *session.Handler
	apiServer   *api.Server
	services    []adapter.LifecycleService
	done        chan struct{}
}

type Options struct {
	option.Options
	Context context.Context
}

func New(options Options) (*Engine, error) {
	createdAt := time.Now()
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = service.ContextWithDefaultRegistry(ctx)
	engine := &Engine{
		createdAt: createdAt,
		ctx:       ctx,
		done:      make(chan struct{}),
	}
	logFactory, err := log.New(log.Options{
		Context:    ctx,
		Options:    common.PtrValueOrDefault(options.Log),
		Observable: options.API != nil,
		BaseTime:   createdAt,
	})
	if err != nil {
		return nil, E.Cause(err, "create log factory")
	}
	engine.logFactory = logFactory
	engine.logger = logFactory.Logger()
	engine.resolvers, err = resolver.NewManager(ctx, logFactory, common.PtrValueOrDefault(options.DNS))
	if err != nil {
		return nil, E.Cause(err, "create resolver manager")
	}
	service.MustRegister[adapter.ResolverManager](ctx, engine.resolvers)
	interceptOptions := common.PtrValueOrDefault(options.Intercept)
	if interceptOptions.Enabled {
		authority, err := forger.NewAuthority(logFactory.NewLogger("authority"), interceptOptions.Authority)
		if err != nil {
			return nil, E.Cause(err, "create certificate authority")
		}
		engine.forger, err = forger.New(ctx, logFactory.NewLogger("forger"), authority, interceptOptions)
		if err != nil {
			return nil, E.Cause(err, "create certificate forger")
		}
		engine.services = append(engine.services, adapter.NewLifecycleService(authority, "certificate authority"))
	}
	engine.broker = telemetry.NewBroker()
	var forgerStats telemetry.ForgerStats
	if engine.forger != nil {
		forgerStats = engine.forger.Stats
	}
	engine.metrics = telemetry.NewMetrics(forgerStats, engine.resolvers.Stats)
	engine.generations = generation.NewManager(ctx, logFactory.NewLogger("generation"), logFactory, include.EscaperRegistry(), options.Options)
	engine.generations.SetPublishCallback(engine.metrics.SetGeneration)
	service.MustRegister[adapter.GenerationManager](ctx, engine.generations)
	var certForger adapter.CertificateForger
	if engine.forger != nil {
		certForger = engine.forger
	}
	sessionOptions := common.PtrValueOrDefault(options.Session)
	engine.sessions = session.NewHandler(ctx, logFactory.NewLogger("session"), engine.generations, certForger, engine.broker, engine.metrics, session.Options{
		ConnectTimeout:   time.Duration(sessionOptions.ConnectTimeout),
		HandshakeTimeout: time.Duration(sessionOptions.HandshakeTimeout),
		IdleTimeout:      time.Duration(sessionOptions.IdleTimeout),
		MaxDuration:      time.Duration(sessionOptions.MaxDuration),
	})
	service.MustRegister[adapter.SessionHandler](ctx, engine.sessions)
	if options.API != nil {
		engine.apiServer = api.NewServer(ctx, logFactory.(log.ObservableFactory), engine.generations, engine.sessions, engine.broker, engine.metrics, *options.API)
	}
	return engine, nil
}

func (e *Engine) Start() error {
	err := e.start()
	if err != nil {
		closeErr := e.Close()
		if closeErr != nil {
			return E.Errors(err, closeErr)
		}
		return err
	}
	e.logger.Info("sing-egress started (", F.Seconds(time.Since(e.createdAt).Seconds()), "s)")
	return nil
}

func (e *Engine) start() error {
	for _, stage := range adapter.ListStartStages {
		err := adapter.Start(stage, e.resolvers, e.generations, e.sessions)
		if err != nil {
			return err
		}
		if e.apiServer != nil {
			err = e.apiServer.Start(stage)
			if err != nil {
				return E.Cause(err, stage.Action(), " api server")
			}
		}
		err = adapter.StartNamed(stage, e.services)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Close() error {
	select {
	case <-e.done:
		return os.ErrClosed
	default:
		close(e.done)
	}
	monitor := taskmonitor.New(e.logger, C.StopTimeout)
	var err error
	if e.apiServer != nil {
		monitor.Start("close api server")
		err = E.Append(err, e.apiServer.Close(), func(err error) error {
			return E.Cause(err, "close api server")
		})
		monitor.Finish()
	}
	monitor.Start("close session handler")
	err = E.Append(err, e.sessions.Close(), func(err error) error {
		return E.Cause(err, "close session handler")
	})
	monitor.Finish()
	monitor.Start("close generation manager")
	err = E.Append(err, e.generations.Close(), func(err error) error {
		return E.Cause(err, "close generation manager")
	})
	monitor.Finish()
	for _, closer := range e.services {
		name := closer.Name()
		monitor.Start("close ", name)
		err = E.Append(err, closer.Close(), func(err error) error {
			return E.Cause(err, "close ", name)
		})
		monitor.Finish()
	}
	monitor.Start("close resolver manager")
	err = E.Append(err, e.resolvers.Close(), func(err error) error {
		return E.Cause(err, "close resolver manager")
	})
	monitor.Finish()
	err = E.Append(err, e.broker.Close(), func(err error) error {
		return E.Cause(err, "close event broker")
	})
	if e.logFactory != nil {
		err = E.Append(err, e.logFactory.Close(), func(err error) error {
			return E.Cause(err, "close logger")
		})
	}
	return err
}

func (e *Engine) Resolvers() *resolver.Manager {
	return e.resolvers
}

func (e *Engine) Generations() *generation.Manager {
	return e.generations
}

func (e *Engine) Sessions() *session.Handler {
	return e.sessions
}

func (e *Engine) Forger() *forger.Forger {
	return e.forger
}

func (e *Engine) Broker() *telemetry.Broker {
	return e.broker
}

func (e *Engine) Logger() log.ContextLogger {
	return e.logger
}

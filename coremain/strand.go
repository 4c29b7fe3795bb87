package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/strandapp/strand/mlog"
	"github.com/strandapp/strand/pkg/cachestore"
	"github.com/strandapp/strand/pkg/connpool"
	"github.com/strandapp/strand/pkg/safe_close"
	"github.com/strandapp/strand/pkg/server"
	"github.com/strandapp/strand/pkg/server/conn_handler"
)

// ErrReloadRequired is the close reason when the auto-reload timer
// found a newer application artifact. The process exits with code 127
// so a supervisor restarts it.
var ErrReloadRequired = errors.New("application artifact changed, restart required")

// Strand is the composition root owning the pool, the cache store and
// the dispatch server.
type Strand struct {
	logger *zap.Logger

	pool  *connpool.Pool
	cache *cachestore.Store
	srv   *server.Server

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// running tracks the current instance so a service manager stop request
// can shut it down.
var (
	runningM sync.Mutex
	running  *Strand
)

func shutdownRunning() {
	runningM.Lock()
	defer runningM.Unlock()
	if running != nil {
		running.sc.SendCloseSignal(nil)
	}
}

func RunStrand(cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetLogger(lg)

	env := cfg.Env
	if len(env) == 0 {
		env = "product"
	}

	m := &Strand{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	runningM.Lock()
	running = m
	runningM.Unlock()
	defer func() {
		runningM.Lock()
		running = nil
		runningM.Unlock()
	}()

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	maxWorkers := cfg.MPM.MaxWorkers()
	reg := m.metricsRegisterer()

	// Connection pool. Capacity per kind follows the worker pool size,
	// every worker can hold one connection of each kind.
	m.pool = connpool.New(connpool.PoolOpts{
		Logger:     lg.Named("connpool"),
		Env:        env,
		Provider:   &cfg.Stores,
		Connectors: []connpool.Connector{connpool.RedisConnector{Logger: lg.Named("connpool")}, connpool.MySQLConnector{}},
		MaxConns:   maxWorkers,
	})
	defer m.pool.Close()
	if err := m.pool.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("failed to register pool metrics: %w", err)
	}

	// Cache store on its own dedicated sqlite connection.
	m.cache, err = cachestore.Open(cachestore.StoreOpts{
		Logger:        lg.Named("cachestore"),
		File:          cfg.Cache.File,
		Table:         cfg.Cache.Table,
		ThresholdSize: cfg.Cache.ThresholdSize,
		GCInterval:    time.Duration(cfg.Cache.GCInterval) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}
	defer m.cache.Close()

	handler := conn_handler.NewEntryHandler(conn_handler.EntryHandlerOpts{
		Logger: lg.Named("handler"),
		Store:  m.cache,
		Pool:   m.pool,
	})

	m.srv = server.NewServer(server.ServerOpts{
		Logger:       lg.Named("server"),
		Handler:      handler,
		MaxWorkers:   maxWorkers,
		Preload:      preloadStores(m.pool, connpool.KindRedis, connpool.KindMySQL),
		Strict:       cfg.Server.StrictStart,
		ArtifactPath: cfg.Server.Artifact,
		ShutdownWait: time.Duration(cfg.Server.ShutdownWait) * time.Second,
		OnReloadRequired: func() {
			m.sc.SendCloseSignal(ErrReloadRequired)
		},
	})
	if err := m.srv.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("failed to register server metrics: %w", err)
	}

	if len(cfg.Server.Addr) == 0 {
		return errors.New("no listening addr is configured")
	}
	l, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		lg.Error("failed to bind listening socket", zap.String("addr", cfg.Server.Addr), zap.Error(err))
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	lg.Info("server starting", zap.String("addr", cfg.Server.Addr), zap.Int("max_workers", maxWorkers))
	if err := m.srv.Start(l); err != nil {
		_ = l.Close()
		return fmt.Errorf("failed to start server: %w", err)
	}
	if cfg.Server.AutoReload {
		m.srv.SetAutoReloadingEnabled(true)
	}

	// Metrics / pprof api server.
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			m.logger.Info("signal received, exiting", zap.Stringer("signal", s))
			m.sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	<-m.sc.ReceiveCloseSignal()
	m.srv.Stop()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

const preloadTimeout = 10 * time.Second

// preloadStores warms one pooled connection of every available kind,
// so a strict start fails fast on an unreachable store instead of on
// the first dispatched connection.
func preloadStores(pool *connpool.Pool, kinds ...connpool.Kind) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), preloadTimeout)
		defer cancel()

		for _, kind := range kinds {
			if !pool.Available(kind) {
				continue
			}
			h, err := pool.Acquire(ctx, kind)
			if err != nil {
				return fmt.Errorf("preload %s store: %w", kind, err)
			}
			_ = pool.Release(h)
		}
		return nil
	}
}

func (m *Strand) metricsRegisterer() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("strand_", m.metricsReg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Package pajack routes new PulseAudio playback streams into stereo slots of a shared
// multi-channel sink (typically the JACK sink), one stream per slot.
package pajack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/pajack/pkg/pajack/util"
)

// Pajack is the main entity managing all subcomponents
type Pajack struct {
	logger    *zap.SugaredLogger
	notifier  *ToastNotifier
	configMan *ConfigManager
	metrics   *Metrics

	pool        *SlotPool
	provisioner *Provisioner
	router      *Router
	dispatcher  *Dispatcher
	httpServer  *http.Server

	connectServer func(conf Config) (SoundServer, error)
	newSubscriber func(conf Config) Subscriber

	version string

	cancel    context.CancelFunc
	fatalOnce sync.Once
	fatalErr  error
}

func NewPajack(logger *zap.SugaredLogger, configMan *ConfigManager, notifier *ToastNotifier) (*Pajack, error) {
	logger = logger.Named("pajack")

	p := &Pajack{
		logger:    logger,
		notifier:  notifier,
		configMan: configMan,
		metrics:   NewMetrics(),
	}

	p.connectServer = func(conf Config) (SoundServer, error) {
		return newPASoundServer(logger, conf.Server, conf.ClientName, conf.RequestTimeout)
	}
	p.newSubscriber = func(conf Config) Subscriber {
		return newPASubscriber(logger, conf.Server, conf.ClientName, conf.RequestTimeout, conf.LivenessInterval)
	}

	logger.Debug("Created pajack instance")

	return p, nil
}

// SetVersion records a version string for the startup log
func (p *Pajack) SetVersion(version string) {
	p.version = version
}

// Run runs until SIGINT/SIGTERM (returns nil) or an unrecoverable provisioning or
// connection failure (returns it)
func (p *Pajack) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interruptChannel := util.SetupCloseHandler()

	go func() {
		select {
		case signal := <-interruptChannel:
			p.logger.Debugw("Interrupted", "signal", signal)
			cancel()
		case <-ctx.Done():
		}
	}()

	return p.RunContext(ctx)
}

// RunContext is Run with the caller deciding when to stop
func (p *Pajack) RunContext(ctx context.Context) error {
	defer p.recoverFromPanic()

	conf := p.configMan.Current()
	p.notifier.SetEnabled(conf.Notify)

	p.logger.Infow("Run loop starting", "version", p.version, "channelBudget", conf.ChannelBudget)

	if conf.PidFile != "" {
		if err := util.CreatePidLock(conf.PidFile); err != nil {
			return fmt.Errorf("acquire pid lock: %w", err)
		}

		defer func() {
			if err := util.RemovePidLock(conf.PidFile); err != nil {
				p.logger.Warnw("Failed to remove pid file", "path", conf.PidFile, "error", err)
			}
		}()
	}

	server, err := p.connectServer(conf)
	if err != nil {
		p.logger.Errorw("Failed to connect to sound server", "error", err)
		return &ConnectionError{Attempts: 1, Err: err}
	}

	defer func() {
		if err := server.Release(); err != nil {
			p.logger.Warnw("Failed to release sound server connection", "error", err)
		}
	}()

	p.pool = NewSlotPool(p.logger)
	p.provisioner = NewProvisioner(p.logger, server, conf.Layout())
	p.router = NewRouter(p.logger, server, p.provisioner, p.pool, p.metrics, p.notifier)

	if err := p.router.Provision(conf.ChannelBudget); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.cancel = cancel
	p.router.OnFatal(p.fail)

	p.dispatcher = NewDispatcher(p.logger, p.newSubscriber(conf), conf.InternalRestart)
	p.dispatcher.OnStreamRemoved(p.router.HandleStreamRemoved)
	p.dispatcher.OnReconnect(func() {
		p.metrics.observeReconnect()

		if _, err := p.router.Reconcile(); err != nil {
			p.logger.Warnw("Reconciliation after reconnect failed", "error", err)
		}
	})

	var wg sync.WaitGroup

	p.startHTTP(conf)

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reconcileLoop(ctx, conf.ReconcileInterval)
	}()

	go p.configMan.WatchConfigFileChanges()
	p.setupOnConfigReload(ctx)

	runErr := p.dispatcher.Run(ctx, p.router.HandleNewStream)

	cancel()
	wg.Wait()

	p.stop(conf)

	if runErr != nil {
		return runErr
	}

	return p.fatalErr
}

// fail stops the run loop with err as its result
func (p *Pajack) fail(err error) {
	p.fatalOnce.Do(func() {
		p.logger.Errorw("Unrecoverable failure, stopping", "error", err)
		p.fatalErr = err

		if p.cancel != nil {
			p.cancel()
		}
	})
}

func (p *Pajack) reconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.router.ReconcileIfIdle()
		}
	}
}

func (p *Pajack) setupOnConfigReload(ctx context.Context) {
	configReloadedChannel := p.configMan.SubscribeToChanges()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-configReloadedChannel:
				p.onConfigReloaded()
			}
		}
	}()
}

func (p *Pajack) onConfigReloaded() {
	conf := p.configMan.Current()
	p.notifier.SetEnabled(conf.Notify)

	topology := p.router.Topology()
	if topology == nil || topology.ChannelBudget == conf.ChannelBudget {
		return
	}

	if !conf.AllowReload {
		p.logger.Warnw("Channel budget changed but reloading is disabled, keeping current slots",
			"current", topology.ChannelBudget,
			"configured", conf.ChannelBudget)
		return
	}

	p.logger.Infow("Detected channel budget change, re-provisioning",
		"from", topology.ChannelBudget,
		"to", conf.ChannelBudget)

	// failures are routed to p.fail by the router
	_ = p.router.Reprovision(conf.ChannelBudget)
}

func (p *Pajack) startHTTP(conf Config) {
	if conf.HTTPListen == "" {
		return
	}

	handler := newAPIHandler(p.logger, p.router, p.metrics, p.dispatcher.State, func() bool {
		return p.configMan.Current().AllowReload
	})

	p.httpServer = &http.Server{
		Addr:              conf.HTTPListen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		p.logger.Infow("Serving operator API", "address", conf.HTTPListen)

		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Warnw("Operator API stopped", "error", err)
		}
	}()
}

func (p *Pajack) stop(conf Config) {
	p.logger.Info("Stopping")

	p.configMan.StopWatchingConfigFile()

	if p.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.httpServer.Shutdown(ctx); err != nil {
			p.logger.Warnw("Failed to shut down operator API", "error", err)
		}
		cancel()
	}

	if conf.TeardownOnExit {
		if err := p.provisioner.TeardownSlots(); err != nil {
			p.logger.Warnw("Failed to tear down slots on exit", "error", err)
		} else {
			p.logger.Debug("Tore down slots")
		}
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = p.logger.Sync()
}

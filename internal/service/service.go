package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/translation-orchestrator/internal/config"
	"github.com/MimeLyc/translation-orchestrator/internal/httpapi"
	"github.com/MimeLyc/translation-orchestrator/internal/jobs"
	"github.com/MimeLyc/translation-orchestrator/internal/llm"
	"github.com/MimeLyc/translation-orchestrator/internal/notify"
	"github.com/MimeLyc/translation-orchestrator/internal/persistence"
	"github.com/MimeLyc/translation-orchestrator/internal/queue"
	"github.com/MimeLyc/translation-orchestrator/internal/termmap"
	"github.com/MimeLyc/translation-orchestrator/internal/translator"
	"github.com/MimeLyc/translation-orchestrator/pkg/log"
)

const (
	shutdownTimeout = 10 * time.Second
	cronStopTimeout = 30 * time.Second
)

// Service owns every long-lived component of the orchestrator. Only one
// Service may use a data directory at a time.
type Service struct {
	cfg *config.Config

	lock      *flock.Flock
	store     *persistence.SQLiteStore
	settings  *config.RuntimeSettingsStore
	executor  *jobs.Executor
	scheduler *queue.Scheduler
	server    *httpapi.Server

	cron        *cron.Cron
	maintenance *maintenance
}

type Option func(*options)

type options struct {
	provider translator.Provider
	notifier notify.Notifier
}

// WithProvider replaces the LLM provider.
func WithProvider(p translator.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// New acquires the data directory lock and builds the components. Close
// releases them.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	o := options{notifier: notify.NewLogNotifier()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.System.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another orchestrator is already using %s", cfg.System.DataDir)
	}

	svc := &Service{cfg: cfg, lock: lock}
	if err := svc.build(o); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) build(o options) error {
	store, err := persistence.NewSQLiteStore(s.cfg.DBPath())
	if err != nil {
		return err
	}
	s.store = store

	settings, err := config.NewRuntimeSettingsStore(s.cfg.System.SettingsFile, s.cfg.DefaultRuntimeSettings())
	if err != nil {
		return err
	}
	s.settings = settings

	provider := o.provider
	if provider == nil {
		if provider, err = newLLMProvider(s.cfg); err != nil {
			return err
		}
	}

	s.executor = jobs.NewExecutor(provider,
		jobs.WithPartialStore(queue.NewPartialStore(store)),
		jobs.WithKeeper(notify.NewLogKeeper()),
	)
	s.scheduler = queue.NewScheduler(s.executor, store, settings,
		queue.WithNotifier(o.notifier),
		queue.WithMaxItems(s.cfg.Queue.MaxCompleted),
	)
	s.server = httpapi.NewServer(s.scheduler, s.executor,
		httpapi.WithSettingsStore(settings),
		httpapi.WithCORSOrigins(s.cfg.HTTP.CORSOrigins),
	)

	s.cron = cron.New(cron.WithSeconds())
	s.maintenance = newMaintenance(s.scheduler, s.cron, s.cfg.Queue.MaintenanceCron)
	return nil
}

// newLLMProvider builds one chat client per API key.
func newLLMProvider(cfg *config.Config) (translator.Provider, error) {
	base := llm.Config{
		APIURL:      cfg.LLM.APIURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		SiteURL:     cfg.LLM.SiteURL,
		AppName:     cfg.LLM.AppName,
	}

	clients := make([]translator.ChatClient, 0, len(cfg.LLM.APIKeys))
	for i, key := range cfg.LLM.APIKeys {
		client, err := llm.NewClient(base.WithKey(key))
		if err != nil {
			return nil, fmt.Errorf("create LLM client for key %d: %w", i, err)
		}
		clients = append(clients, client)
	}

	return translator.NewLLMProvider(
		translator.NewDirSourceLoader(cfg.System.SourceDir),
		clients,
		translator.WithLinesPerRequest(cfg.Queue.LinesPerRequest),
		translator.WithGlossary(termmap.NewDir(cfg.System.SourceDir)),
	)
}

func (s *Service) Handler() http.Handler {
	return s.server.Handler()
}

func (s *Service) Scheduler() *queue.Scheduler {
	return s.scheduler
}

// Run serves HTTP and runs the maintenance schedule until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	return runWithComponents(ctx, s.cfg, s.maintenance, s.cron, s.server)
}

// Close stops the queue, saving the partial work of an active run, then
// releases the store and the lock.
func (s *Service) Close() error {
	if s.scheduler != nil {
		s.scheduler.Close()
	}
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.lock != nil {
		errs = append(errs, s.lock.Unlock())
	}
	return errors.Join(errs...)
}

type scheduleRunner interface {
	Schedule(ctx context.Context) error
}

type cronRunner interface {
	Start()
	Stop() context.Context
}

type httpRunner interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func runWithComponents(
	ctx context.Context,
	cfg *config.Config,
	scheduler scheduleRunner,
	cronEngine cronRunner,
	httpSrv httpRunner,
) error {
	if err := scheduler.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	cronEngine.Start()
	defer func() {
		select {
		case <-cronEngine.Stop().Done():
		case <-time.After(cronStopTimeout):
			log.Warn("Maintenance still running after %s, not waiting", cronStopTimeout)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		if err := httpSrv.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/translation-orchestrator/internal/config"
	"github.com/MimeLyc/translation-orchestrator/internal/jobs"
	"github.com/MimeLyc/translation-orchestrator/internal/queue"
	"github.com/MimeLyc/translation-orchestrator/pkg/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Queue is the part of *queue.Scheduler the HTTP surface drives.
type Queue interface {
	Enqueue(req queue.EnqueueRequest) (*queue.Item, bool, error)
	Get(id string) (*queue.Item, bool)
	GetByVideoKey(key string) (*queue.Item, bool)
	List() []*queue.Item
	AutoProcess() bool
	Subscribe(l queue.ItemsListener) func()

	Start(id string, opts queue.StartOptions) error
	Stop(id string) error
	Resume(id string) error
	Retry(id string) error
	Remove(id string) error
	RetranslateBatch(id string, batchIndex int, mode queue.RetranslateMode) error
	StartAll() error
	StopAll()
	ResumeAll() error
	TranslateDirect(ctx context.Context, req queue.DirectRequest) (string, error)
}

// JobControl is the part of *jobs.Executor the HTTP surface reads.
type JobControl interface {
	Current() *jobs.Job
	Subscribe(l jobs.Listener) func()
	Abort(videoKey string) jobs.AbortResult
	ClearCompletedJob(videoKey string) bool
}

type settingsStore interface {
	Get() config.RuntimeSettings
	Update(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type Server struct {
	queue    Queue
	jobs     JobControl
	settings settingsStore

	corsOrigins    []string
	streamInterval time.Duration

	router *chi.Mux
	server *http.Server
}

type Option func(*Server)

func WithSettingsStore(store settingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithKeepAlive sets how often an idle event stream sends a comment line.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(q Queue, jobControl JobControl, opts ...Option) *Server {
	s := &Server{
		queue:          q,
		jobs:           jobControl,
		corsOrigins:    []string{"*"},
		streamInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("HTTP API listening on %s", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", s.handleListQueue)
		r.Post("/queue", s.handleEnqueue)
		r.Get("/queue/stream", s.handleQueueStream)
		r.Post("/queue/start-all", s.handleStartAll)
		r.Post("/queue/stop-all", s.handleStopAll)
		r.Post("/queue/resume-all", s.handleResumeAll)

		r.Get("/queue/{id}", s.handleItemDetail)
		r.Delete("/queue/{id}", s.handleRemove)
		r.Post("/queue/{id}/start", s.handleStart)
		r.Post("/queue/{id}/stop", s.itemAction(Queue.Stop))
		r.Post("/queue/{id}/resume", s.itemAction(Queue.Resume))
		r.Post("/queue/{id}/retry", s.itemAction(Queue.Retry))
		r.Post("/queue/{id}/retranslate", s.handleRetranslate)

		r.Get("/job", s.handleGetJob)
		r.Delete("/job", s.handleDeleteJob)
		r.Post("/translate", s.handleTranslate)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
	})
	s.router = r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

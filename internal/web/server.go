package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"

	"github.com/ssuji15/synthgen/internal/pool"
	"github.com/ssuji15/synthgen/internal/service/logger"
	limiter "github.com/ssuji15/synthgen/internal/web/middleware"
	"github.com/ssuji15/synthgen/model"
)

type Queue interface {
	Dequeue(ctx context.Context) (string, bool, error)
	Ping(ctx context.Context) error
}

type Producer interface {
	Generate(ctx context.Context, lang model.Language) (*model.WorkItem, error)
}

// Replenisher is woken after every request so sleeping workers refill the
// queue without waiting out their backoff.
type Replenisher interface {
	Trigger()
}

// WorkerStates reports what each local pool worker is doing.
type WorkerStates interface {
	States() []pool.State
}

type Executions interface {
	GetExecutionByID(ctx context.Context, id string) (*model.Execution, error)
	ListExecutionsByCodeHash(ctx context.Context, codeHash, offset string) ([]*model.Execution, error)
}

type Options struct {
	// PoolLanguage is the language of items the pool enqueues. Requests for
	// another language are always produced synchronously.
	PoolLanguage   model.Language
	RequestTimeout time.Duration
	// MaxProducing bounds concurrent synchronous productions; MaxWaiting
	// bounds how many more may wait for a slot.
	MaxProducing int
	MaxWaiting   int
	Executions   Executions
	Workers      WorkerStates
}

type Server struct {
	router   chi.Router
	queue    Queue
	producer Producer
	pool     Replenisher
	limiter  *limiter.Limiter
	opts     Options
}

type SyntheticGenResponse struct {
	Success bool            `json:"success"`
	Body    json.RawMessage `json:"body"`
	Error   *string         `json:"error"`
}

func NewServer(q Queue, p Producer, pool Replenisher, opts Options) *Server {
	if opts.PoolLanguage == "" {
		opts.PoolLanguage = model.Python
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Minute
	}
	if opts.MaxProducing <= 0 {
		opts.MaxProducing = 2
	}
	if opts.MaxWaiting <= 0 {
		opts.MaxWaiting = 8
	}
	s := &Server{
		router:   chi.NewRouter(),
		queue:    q,
		producer: p,
		pool:     pool,
		limiter:  limiter.NewLimiter(opts.MaxWaiting, opts.MaxProducing),
		opts:     opts,
	}

	s.routes()
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/synthetic-gen", s.handleSyntheticGen)
	if s.opts.Workers != nil {
		r.Get("/api/pool", s.handlePoolStatus)
	}
	if s.opts.Executions != nil {
		r.Get("/api/executions/{id}", s.handleGetExecution)
		r.Get("/api/executions", s.handleListExecutions)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.queue.Ping(ctx); err != nil {
		http.Error(w, "store unreachable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleSyntheticGen pops a queued item or produces one on the spot.
func (s *Server) handleSyntheticGen(w http.ResponseWriter, r *http.Request) {
	defer s.pool.Trigger()

	lang := model.Language(r.URL.Query().Get("language"))
	if lang == "" {
		lang = model.Python
	}
	if !lang.Valid() {
		writeResult(w, http.StatusBadRequest, nil, errors.New("language must be python or javascript"))
		return
	}

	if lang == s.opts.PoolLanguage {
		item, ok, err := s.queue.Dequeue(r.Context())
		if err != nil {
			l := logger.FromContext(r.Context())
			l.Error().Err(err).Msg("dequeue failed, producing synchronously")
		}
		if ok {
			writeResult(w, http.StatusOK, json.RawMessage(item), nil)
			return
		}
	}

	s.limiter.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		item, err := s.producer.Generate(r.Context(), lang)
		if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			// middleware.Timeout writes the 504
			return
		}
		if err != nil {
			writeResult(w, http.StatusInternalServerError, nil, err)
			return
		}
		body, err := json.Marshal(item)
		if err != nil {
			writeResult(w, http.StatusInternalServerError, nil, err)
			return
		}
		writeResult(w, http.StatusOK, body, nil)
	})).ServeHTTP(w, r)
}

type poolStatus struct {
	Workers []string `json:"workers"`
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	states := s.opts.Workers.States()
	resp := poolStatus{Workers: make([]string, len(states))}
	for i, st := range states {
		resp.Workers[i] = st.String()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")

	execution, err := s.opts.Executions.GetExecutionByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to get execution: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(execution)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	hash := r.URL.Query().Get("code_hash")
	if hash == "" {
		http.Error(w, "code_hash is required", http.StatusBadRequest)
		return
	}

	executions, err := s.opts.Executions.ListExecutionsByCodeHash(ctx, hash, r.URL.Query().Get("offset"))
	if err != nil {
		http.Error(w, "failed to list executions: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if executions == nil {
		executions = []*model.Execution{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(executions)
}

func writeResult(w http.ResponseWriter, status int, body json.RawMessage, err error) {
	resp := SyntheticGenResponse{Success: err == nil, Body: body}
	if err != nil {
		msg := err.Error()
		resp.Error = &msg
	}
	if resp.Body == nil {
		resp.Body = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

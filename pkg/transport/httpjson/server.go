package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/amirimatin/go-filesync/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-filesync/pkg/observability/metrics"
	"github.com/amirimatin/go-filesync/pkg/observability/tracing"
	"github.com/amirimatin/go-filesync/pkg/repllog"
	"github.com/amirimatin/go-filesync/pkg/transport"
)

// Server exposes every RPC as POST /v1/<Method> with JSON bodies, plus
// GET /status, /healthz and /metrics on the same listener.
type Server struct {
	mu     sync.Mutex
	bind   string
	lis    net.Listener
	srv    *http.Server
	logger *log.Logger
	tls    *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":50051").
func NewServer(bind string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{bind: bind, logger: logger}
}

// UseTLS serves HTTPS with cfg for subsequent Start.
func (s *Server) UseTLS(cfg *tls.Config) { s.tls = cfg }

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// rpc adapts one handler method to an HTTP endpoint. An empty body decodes as
// the zero request.
func rpc[Req, Resp any](name string, call func(context.Context, Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, end := tracing.StartSpan(r.Context(), "http."+name)
		defer end()
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			obsmetrics.RPCRequests.WithLabelValues(name, strconv.Itoa(http.StatusBadRequest)).Inc()
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("bad request: %v", err)})
			return
		}
		out, err := call(ctx, req)
		if err != nil {
			obsmetrics.RPCRequests.WithLabelValues(name, strconv.Itoa(http.StatusInternalServerError)).Inc()
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
			return
		}
		obsmetrics.RPCRequests.WithLabelValues(name, strconv.Itoa(http.StatusOK)).Inc()
		writeJSON(w, http.StatusOK, out)
	}
}

type none struct{}

// Router builds the chi router for h. It is exported for httptest use.
func Router(h transport.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	obsmetrics.Routes(r)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		ctx, end := tracing.StartSpan(r.Context(), "http.status")
		defer end()
		data, err := h.Status(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/SyncFile", rpc("SyncFile", h.SyncFile))
		r.Post("/DeleteFile", rpc("DeleteFile", h.DeleteFile))
		r.Post("/ListFiles", rpc("ListFiles", func(ctx context.Context, _ none) (transport.ListFilesResponse, error) {
			return h.ListFiles(ctx)
		}))
		r.Post("/GetStatus", rpc("GetStatus", func(ctx context.Context, _ none) (transport.StatusBlob, error) {
			b, err := h.Status(ctx)
			return transport.StatusBlob{Data: b}, err
		}))
		r.Post("/ReplicateEntry", rpc("ReplicateEntry", func(ctx context.Context, e repllog.Entry) (transport.Ack, error) {
			return h.ReplicateEntry(ctx, e)
		}))
		r.Post("/GetUpdates", rpc("GetUpdates", h.GetUpdates))
		r.Post("/Join", rpc("Join", h.Join))
		r.Post("/PeerExchange", rpc("PeerExchange", h.PeerExchange))
		r.Post("/GetTime", rpc("GetTime", func(ctx context.Context, _ none) (transport.TimeResponse, error) {
			return h.GetTime(ctx)
		}))
		r.Post("/AdjustTime", rpc("AdjustTime", h.AdjustTime))
	})
	return r
}

// Start launches the HTTP server. The server is shut down when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handler) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: Router(h), ReadHeaderTimeout: 5 * time.Second, TLSConfig: s.tls}
	s.mu.Lock()
	s.lis, s.srv = lis, srv
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(c)
	}()
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(lis, "", "")
		} else {
			err = srv.Serve(lis)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logutil.Errorf(s.logger, "http server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.lis = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

var _ transport.RPCServer = (*Server)(nil)

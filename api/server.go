package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/sagernet/cors"
	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"
	"github.com/sagernet/sing-egress/session"
	"github.com/sagernet/sing-egress/telemetry"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

var (
	errUnauthorized = render.M{"message": "Unauthorized"}
	errBadRequest   = render.M{"message": "Body invalid"}
)

// Server is the control plane: generation introspection and publish,
// traffic stats, log and event streams, and the prometheus exporter.
type Server struct {
	ctx         context.Context
	logger      log.ContextLogger
	logFactory  log.ObservableFactory
	httpServer  *http.Server
	generations adapter.GenerationManager
	sessions    *session.Handler
	broker      *telemetry.Broker
	metrics     *telemetry.Metrics
}

func NewServer(ctx context.Context, logFactory log.ObservableFactory, generations adapter.GenerationManager, sessions *session.Handler, broker *telemetry.Broker, metrics *telemetry.Metrics, options option.APIOptions) *Server {
	chiRouter := chi.NewRouter()
	server := &Server{
		ctx:        ctx,
		logger:     logFactory.NewLogger("api"),
		logFactory: logFactory,
		httpServer: &http.Server{
			Addr:    options.Listen,
			Handler: chiRouter,
		},
		generations: generations,
		sessions:    sessions,
		broker:      broker,
		metrics:     metrics,
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	chiRouter.Use(corsHandler.Handler)
	chiRouter.Group(func(r chi.Router) {
		r.Use(authentication(options.Secret))
		r.Get("/", hello)
		r.Get("/version", version)
		r.Get("/generations", server.getGenerations)
		r.Post("/configs", server.postConfig)
		r.Get("/stats", server.getStats)
		r.Get("/logs", server.getLogs)
		r.Get("/events", server.getEvents)
		if options.Prometheus && metrics != nil {
			r.Handle("/metrics", metrics.Handler())
		}
	})
	return server
}

func (s *Server) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	if s.httpServer.Addr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return E.Cause(err, "api listen error")
	}
	s.logger.Info("restful api listening at ", listener.Addr())
	go func() {
		serveErr := s.httpServer.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("api serve error: ", serveErr)
		}
	}()
	return nil
}

func (s *Server) Close() error {
	return common.Close(
		common.PtrOrNil(s.httpServer),
	)
}

func authentication(serverSecret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if serverSecret == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Browser websocket not support custom header
			if isWebsocketUpgrade(r) && r.URL.Query().Get("token") != "" {
				token := r.URL.Query().Get("token")
				if token != serverSecret {
					render.Status(r, http.StatusUnauthorized)
					render.JSON(w, r, errUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			bearer, token, found := strings.Cut(header, " ")

			hasInvalidHeader := bearer != "Bearer"
			hasInvalidSecret := !found || token != serverSecret
			if hasInvalidHeader || hasInvalidSecret {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, errUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func hello(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"hello": "sing-egress"})
}

func version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"version": C.Version})
}

func (s *Server) getGenerations(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, render.M{"generations": s.generations.Generations()})
}

func (s *Server) postConfig(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(r.Body)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errBadRequest)
		return
	}
	options, err := json.UnmarshalExtended[option.Options](content)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, render.M{"message": err.Error()})
		return
	}
	generationID, err := s.generations.Publish(options)
	if err != nil {
		s.logger.Error(E.Cause(err, "publish configuration"))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, render.M{"message": err.Error()})
		return
	}
	s.logger.Info("published generation ", generationID, " via api")
	render.JSON(w, r, render.M{"generation_id": generationID})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats := s.sessions.Stats()
	render.JSON(w, r, stats)
}

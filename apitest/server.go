// Package apitest runs an in-process double of the remote bonsai API and its
// identity provider. Tests drive it to observe call counts, inject failures,
// keep requests in flight and answer insights asynchronously.
package apitest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

// Route keys identify endpoints for Calls, FailNext and Hold.
const (
	RouteListBonsais     = "GET /api/bonsais"
	RouteCreateBonsai    = "POST /api/bonsais"
	RouteCreateWithImage = "POST /api/bonsais/with-image"
	RouteGetBonsai       = "GET /api/bonsais/{id}"
	RouteUpdateBonsai    = "PUT /api/bonsais/{id}"
	RouteDeleteBonsai    = "DELETE /api/bonsais/{id}"
	RouteUploadImage     = "POST /api/bonsais/{id}/images"
	RouteDeleteImage     = "DELETE /api/bonsais/{id}/images/{imageId}"
	RouteListInsights    = "GET /api/bonsais/{id}/insights"
	RouteCreateInsight   = "POST /api/bonsais/{id}/insights"
	RouteDeleteInsight   = "DELETE /api/bonsais/{id}/insights/{insightId}"
	RouteToken           = "POST /auth/token"
	RouteSignup          = "POST /auth/signup"
	RouteLogout          = "POST /auth/logout"
)

// Server is the API double. Fields may be changed before the first request.
type Server struct {
	*httptest.Server

	// TokenTTL is the lifetime of issued access tokens.
	TokenTTL time.Duration
	// AutoAnswer fills the AI response while the insight is created.
	AutoAnswer bool
	// Answer generates the AI response for a question.
	Answer func(question string) string

	secret []byte
	store  *memStore

	mu       sync.Mutex
	accounts map[string]account // email -> account
	refresh  map[string]string  // refresh token -> email
	calls    map[string]int
	failures map[string][]int
	holds    map[string]*Gate
}

// NewServer starts the double. Call Close when done.
func NewServer() *Server {
	s := &Server{
		TokenTTL: time.Hour,
		Answer: func(question string) string {
			return "Keep the soil evenly moist and check it daily. (" + question + ")"
		},
		secret:   []byte(randomToken()),
		store:    newMemStore(),
		accounts: make(map[string]account),
		refresh:  make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string][]int),
		holds:    make(map[string]*Gate),
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/token", s.instrument(RouteToken, s.handleToken))
		r.Post("/signup", s.instrument(RouteSignup, s.handleSignup))
		r.With(s.authJWT).Post("/logout", s.instrument(RouteLogout, s.handleLogout))
	})

	r.Get("/files/{imageId}", s.handleFile)

	r.Route("/api/bonsais", func(r chi.Router) {
		r.Use(s.authJWT)
		r.Get("/", s.instrument(RouteListBonsais, s.handleListBonsais))
		r.Post("/", s.instrument(RouteCreateBonsai, s.handleCreateBonsai))
		r.Post("/with-image", s.instrument(RouteCreateWithImage, s.handleCreateWithImage))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.instrument(RouteGetBonsai, s.handleGetBonsai))
			r.Put("/", s.instrument(RouteUpdateBonsai, s.handleUpdateBonsai))
			r.Delete("/", s.instrument(RouteDeleteBonsai, s.handleDeleteBonsai))
			r.Post("/images", s.instrument(RouteUploadImage, s.handleUploadImage))
			r.Delete("/images/{imageId}", s.instrument(RouteDeleteImage, s.handleDeleteImage))
			r.Get("/insights", s.instrument(RouteListInsights, s.handleListInsights))
			r.Post("/insights", s.instrument(RouteCreateInsight, s.handleCreateInsight))
			r.Delete("/insights/{insightId}", s.instrument(RouteDeleteInsight, s.handleDeleteInsight))
		})
	})

	return r
}

// instrument counts the call, then applies a queued failure or an active hold
// before handing over to h.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[route]++
		var status int
		if queued := s.failures[route]; len(queued) > 0 {
			status = queued[0]
			s.failures[route] = queued[1:]
		}
		gate := s.holds[route]
		s.mu.Unlock()

		if gate != nil {
			gate.arrive()
			select {
			case <-gate.release:
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeError(w, r, status, http.StatusText(status))
			return
		}
		h(w, r)
	}
}

// Calls returns how many requests reached route.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// ResetCalls zeroes every counter.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

// FailNext makes the next request to route answer with status.
func (s *Server) FailNext(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], status)
}

// Gate holds requests to a route until released.
type Gate struct {
	arrived     chan struct{}
	release     chan struct{}
	arriveOnce  sync.Once
	releaseOnce sync.Once
	remove      func()
}

// Arrived is closed once the first held request reaches the server.
func (g *Gate) Arrived() <-chan struct{} { return g.arrived }

// Release lets every held request proceed and stops holding new ones.
func (g *Gate) Release() {
	g.releaseOnce.Do(func() {
		g.remove()
		close(g.release)
	})
}

func (g *Gate) arrive() {
	g.arriveOnce.Do(func() { close(g.arrived) })
}

// Hold keeps requests to route pending until the returned gate is released.
func (s *Server) Hold(route string) *Gate {
	g := &Gate{
		arrived: make(chan struct{}),
		release: make(chan struct{}),
	}
	g.remove = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.holds[route] == g {
			delete(s.holds, route)
		}
	}
	s.mu.Lock()
	s.holds[route] = g
	s.mu.Unlock()
	return g
}

// AnswerPending generates answers for every insight still waiting for one.
func (s *Server) AnswerPending() int {
	return s.store.answer(s.Answer)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"detail": detail})
}

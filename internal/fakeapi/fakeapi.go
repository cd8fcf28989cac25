// Package fakeapi is an in-process stand-in for the remote account API, used by tests.
package fakeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Path constants for Hold and Hits.
const (
	PathRegister = "/api/auth/register"
	PathLogin    = "/api/auth/login"
	PathUpload   = "/api/userdata/upload-avatar"
	PathUserData = "/api/userdata/"
)

// Identity is the user shape returned by the auth endpoints.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Profile is the userdata shape.
type Profile struct {
	FullName string `json:"fullname"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Bio      string `json:"bio"`
	Avatar   string `json:"avatar"`
}

type account struct {
	Identity
	hash    []byte
	profile Profile
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

// Origin is the browser origin allowed by the CORS policy.
const Origin = "http://localhost:5173"

const defaultLoginLimit = 100

// Option configures a Server.
type Option func(*Server)

// WithLoginLimit caps login attempts per client IP per minute.
func WithLoginLimit(n int) Option {
	return func(s *Server) { s.loginLimit = n }
}

// Server is an httptest server that implements the auth and userdata endpoints.
type Server struct {
	*httptest.Server

	secret     []byte
	loginLimit int

	mu       sync.Mutex
	accounts map[string]*account
	byEmail  map[string]string
	hits     map[string]int
	holds    map[string]*hold
	headers  []http.Header
}

// New starts a Server. Call Close when done.
func New(opts ...Option) *Server {
	s := &Server{
		secret:     []byte(uuid.NewString()),
		loginLimit: defaultLoginLimit,
		accounts:   make(map[string]*account),
		byEmail:    make(map[string]string),
		hits:       make(map[string]int),
		holds:      make(map[string]*hold),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{Origin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))
	r.Use(s.record)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.With(httprate.Limit(s.loginLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				respondJSON(w, http.StatusTooManyRequests, map[string]any{"message": "Too many login attempts"})
			}),
		)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/userdata/upload-avatar", s.handleUpload)
			r.Get("/userdata/{id}", s.handleGetProfile)
			r.Put("/userdata/{id}", s.handlePutProfile)
			r.Delete("/userdata/{id}", s.handleDelete)
		})
	})
	return r
}

// Seed creates an account directly and returns its identity.
func (s *Server) Seed(name, email, password, role string) Identity {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.insertLocked(name, email, role, hash)
	return acc.Identity
}

// TokenFor signs a bearer token for id without going through the login endpoint.
func (s *Server) TokenFor(id Identity) string {
	token, err := s.issue(id)
	if err != nil {
		panic(err)
	}
	return token
}

// SetProfile replaces the stored profile for id.
func (s *Server) SetProfile(id string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[id]; ok {
		acc.profile = p
	}
}

// ProfileOf returns the stored profile for id.
func (s *Server) ProfileOf(id string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Profile{}, false
	}
	return acc.profile, true
}

// Hits reports how many requests reached path. Paths ending in "/" count as prefixes.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.HasSuffix(path, "/") {
		total := 0
		for p, n := range s.hits {
			if strings.HasPrefix(p, path) {
				total += n
			}
		}
		return total
	}
	return s.hits[path]
}

// TotalHits reports every request the server has seen.
func (s *Server) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

// Headers returns the request headers seen so far, in arrival order.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]http.Header, len(s.headers))
	copy(out, s.headers)
	return out
}

// Hold makes the next requests to path block until release is called. entered receives once per
// request that reaches the hold.
func (s *Server) Hold(path string) (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}, 16), release: make(chan struct{})}
	s.mu.Lock()
	s.holds[path] = h
	s.mu.Unlock()

	var once sync.Once
	return h.entered, func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[path] == h {
				delete(s.holds, path)
			}
			s.mu.Unlock()
			close(h.release)
		})
	}
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.headers = append(s.headers, r.Header.Clone())
		h := s.holds[r.URL.Path]
		s.mu.Unlock()

		if h != nil {
			select {
			case h.entered <- struct{}{}:
			default:
			}
			select {
			case <-h.release:
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type authResponse struct {
	User  Identity `json:"user"`
	Token string   `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid request body"})
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		respondJSON(w, http.StatusBadRequest, map[string]any{"message": "Name, email and password are required"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]any{"message": "Could not hash password"})
		return
	}

	s.mu.Lock()
	if _, exists := s.byEmail[strings.ToLower(req.Email)]; exists {
		s.mu.Unlock()
		respondJSON(w, http.StatusConflict, map[string]any{"message": "Email already registered"})
		return
	}
	acc := s.insertLocked(req.Name, req.Email, "user", hash)
	s.mu.Unlock()

	s.respondAuth(w, http.StatusCreated, acc.Identity)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid request body"})
		return
	}

	s.mu.Lock()
	var acc *account
	if id, ok := s.byEmail[strings.ToLower(req.Email)]; ok {
		acc = s.accounts[id]
	}
	s.mu.Unlock()

	if acc == nil || bcrypt.CompareHashAndPassword(acc.hash, []byte(req.Password)) != nil {
		respondJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid credentials"})
		return
	}
	s.respondAuth(w, http.StatusOK, acc.Identity)
}

func (s *Server) respondAuth(w http.ResponseWriter, status int, id Identity) {
	token, err := s.issue(id)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]any{"message": "Could not create token"})
		return
	}
	respondJSON(w, status, authResponse{User: id, Token: token})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.owned(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	s.mu.Lock()
	p := acc.profile
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.owned(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var p Profile
	if err := decodeJSON(r, &p); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request"})
		return
	}
	s.mu.Lock()
	acc.profile = p
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.owned(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.byEmail, strings.ToLower(acc.Email))
	delete(s.accounts, acc.ID)
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{"message": "deleted"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	acc, ok := s.owned(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}
	file, header, err := r.FormFile("avatar")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": "avatar file is required"})
		return
	}
	defer file.Close()
	if _, err := io.Copy(io.Discard, file); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": "could not read avatar"})
		return
	}
	if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
		respondJSON(w, http.StatusUnsupportedMediaType, map[string]any{"error": "avatar must be an image"})
		return
	}

	url := fmt.Sprintf("%s/avatars/%s/%s", s.URL, acc.ID, header.Filename)
	s.mu.Lock()
	acc.profile.Avatar = url
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{"url": url})
}

type ctxKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			respondJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthenticated"})
			return
		}
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims.Subject)))
	})
}

func (s *Server) owned(w http.ResponseWriter, r *http.Request, id string) (*account, bool) {
	subject, _ := r.Context().Value(ctxKey{}).(string)
	if subject == "" || subject != id {
		respondJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
		return nil, false
	}
	s.mu.Lock()
	acc, ok := s.accounts[id]
	s.mu.Unlock()
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]any{"error": "user not found"})
		return nil, false
	}
	return acc, true
}

func (s *Server) issue(id Identity) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   id.ID,
		Issuer:    "fakeapi",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) insertLocked(name, email, role string, hash []byte) *account {
	acc := &account{
		Identity: Identity{ID: uuid.NewString(), Name: name, Email: email, Role: role},
		hash:     hash,
		profile:  Profile{FullName: name, Email: email},
	}
	s.accounts[acc.ID] = acc
	s.byEmail[strings.ToLower(email)] = acc.ID
	return acc
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"userportal/pkg/apiclient"
	"userportal/pkg/metrics"
	"userportal/pkg/storage"
	"userportal/services/nav"
)

const (
	// SnapshotKey holds the JSON session snapshot in snapshot storage.
	SnapshotKey = "user"
	// TokenKey holds the bearer credential in token storage.
	TokenKey = "token"

	registerPath = "/api/auth/register"
	loginPath    = "/api/auth/login"

	msgSuperseded = "Request superseded"
)

var tracer = otel.Tracer("userportal/services/session")

// API is the subset of the HTTP client the store needs.
type API interface {
	Post(ctx context.Context, path string, in, out any) error
}

// Options configures a Store.
type Options struct {
	API       API
	Snapshots storage.Storage
	Tokens    storage.Storage
	Navigator nav.Navigator
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Store owns the current Session. Writers are serialized; subscribers are notified after each
// transition, in order, and must not call mutating Store methods synchronously.
type Store struct {
	api       API
	snapshots storage.Storage
	tokens    storage.Storage
	nav       nav.Navigator
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	writeMu sync.Mutex

	mu      sync.RWMutex
	current Session
	epoch   uint64

	subsMu  sync.Mutex
	subs    map[int]func(prev, next Session)
	nextSub int
}

// New builds a Store and hydrates it from the snapshot storage.
func New(opts Options) (*Store, error) {
	if opts.API == nil {
		return nil, errors.New("api client is required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("snapshot storage is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token storage is required")
	}
	if opts.Navigator == nil {
		return nil, errors.New("navigator is required")
	}

	s := &Store{
		api:       opts.API,
		snapshots: opts.Snapshots,
		tokens:    opts.Tokens,
		nav:       opts.Navigator,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		subs:      make(map[int]func(prev, next Session)),
	}
	s.current = s.hydrate()
	return s, nil
}

func (s *Store) hydrate() Session {
	raw, ok, err := s.snapshots.Get(SnapshotKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read session snapshot")
		return Session{}
	}
	if !ok {
		return Session{}
	}

	var snap Session
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.logger.Warn().Err(err).Msg("discarding unreadable session snapshot")
		if err := s.snapshots.Remove(SnapshotKey); err != nil {
			s.logger.Warn().Err(err).Msg("remove session snapshot")
		}
		return Session{}
	}
	if !snap.Auth {
		return Session{}
	}
	if snap.ID == "" || snap.Role == "" {
		s.logger.Warn().Str("id", snap.ID).Msg("discarding incomplete session snapshot")
		if err := s.snapshots.Remove(SnapshotKey); err != nil {
			s.logger.Warn().Err(err).Msg("remove session snapshot")
		}
		return Session{}
	}
	return snap
}

// Current returns the session as of now.
func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Token returns the persisted bearer credential, or "" when there is none.
func (s *Store) Token() string {
	token, ok, err := s.tokens.Get(TokenKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read credential token")
		return ""
	}
	if !ok {
		return ""
	}
	return token
}

// Subscribe registers fn to run after every session transition. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(prev, next Session)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// Register creates an account and signs in as it.
func (s *Store) Register(ctx context.Context, name, email, password string) Result {
	return s.authenticate(ctx, "register", registerPath,
		registerRequest{Name: name, Email: email, Password: password},
		"Registration successful", "Registration failed")
}

// LoginWithCredentials signs in with an email and password.
func (s *Store) LoginWithCredentials(ctx context.Context, email, password string) Result {
	return s.authenticate(ctx, "login", loginPath,
		loginRequest{Email: email, Password: password},
		"Login successful", "Login failed")
}

func (s *Store) authenticate(ctx context.Context, mode, path string, body any, okMsg, failMsg string) Result {
	ctx, span := tracer.Start(ctx, "session."+mode)
	defer span.End()

	epoch := s.begin()
	logger := s.logger.With().Str("mode", mode).Logger()

	stale := func() Result {
		logger.Info().Msg("dropping superseded authentication response")
		s.metrics.ObserveAuth(mode, "stale")
		span.SetAttributes(attribute.Bool("portal.stale", true))
		return Result{Success: false, Message: msgSuperseded, Stale: true}
	}

	var resp authResponse
	if err := s.api.Post(ctx, path, body, &resp); err != nil {
		if s.superseded(epoch) {
			logger.Debug().Err(err).Msg("superseded attempt failed")
			return stale()
		}
		msg := apiclient.MessageOf(err, failMsg)
		logger.Warn().Err(err).Str("message", msg).Msg("authentication failed")
		s.metrics.ObserveAuth(mode, "failure")
		span.SetStatus(codes.Error, msg)
		return Result{Success: false, Message: msg}
	}
	if resp.Token == "" || resp.User.ID == "" || resp.User.Role == "" {
		if s.superseded(epoch) {
			return stale()
		}
		logger.Warn().Msg("authentication response missing user, role or token")
		s.metrics.ObserveAuth(mode, "failure")
		span.SetStatus(codes.Error, "malformed response")
		return Result{Success: false, Message: failMsg}
	}

	applied, err := s.apply(epoch, Authenticated(resp.User), resp.Token)
	if err != nil {
		logger.Error().Err(err).Msg("persist session")
		s.metrics.ObserveAuth(mode, "failure")
		span.SetStatus(codes.Error, err.Error())
		return Result{Success: false, Message: failMsg}
	}
	if !applied {
		return stale()
	}

	s.metrics.ObserveAuth(mode, "success")
	span.SetAttributes(attribute.String("portal.role", resp.User.Role))
	return Result{Success: true, Message: okMsg}
}

// Login installs an already-resolved identity as the session.
func (s *Store) Login(id Identity) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := Authenticated(id)
	if err := s.saveSnapshot(next); err != nil {
		s.logger.Error().Err(err).Msg("persist session snapshot")
	}

	s.mu.Lock()
	s.epoch++
	prev := s.current
	s.current = next
	s.mu.Unlock()

	s.notify(prev, next)
}

// Logout clears the session and both persisted values, then sends the user to the login view.
// It is safe to call when already signed out.
func (s *Store) Logout() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()

	if err := s.snapshots.Remove(SnapshotKey); err != nil {
		s.logger.Error().Err(err).Msg("remove session snapshot")
	}
	if err := s.tokens.Remove(TokenKey); err != nil {
		s.logger.Error().Err(err).Msg("remove credential token")
	}

	// Navigate before subscribers see the reset so the redirect effect finds the login view.
	s.nav.Navigate(nav.Login)

	s.mu.Lock()
	prev := s.current
	s.current = Session{}
	s.mu.Unlock()

	s.notify(prev, Session{})
}

// begin starts an attempt that supersedes any still in flight.
func (s *Store) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	return s.epoch
}

// superseded reports whether a newer attempt, Login or Logout happened since epoch was issued.
func (s *Store) superseded(epoch uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch != epoch
}

func (s *Store) apply(epoch uint64, next Session, token string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.superseded(epoch) {
		return false, nil
	}

	if err := s.tokens.Set(TokenKey, token); err != nil {
		return false, fmt.Errorf("store token: %w", err)
	}
	if err := s.saveSnapshot(next); err != nil {
		if rmErr := s.tokens.Remove(TokenKey); rmErr != nil {
			s.logger.Error().Err(rmErr).Msg("roll back credential token")
		}
		return false, err
	}

	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()

	s.notify(prev, next)
	return true, nil
}

func (s *Store) saveSnapshot(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.snapshots.Set(SnapshotKey, string(data)); err != nil {
		return fmt.Errorf("store session snapshot: %w", err)
	}
	return nil
}

func (s *Store) notify(prev, next Session) {
	if prev.Auth != next.Auth {
		s.metrics.ObserveTransition(next.Auth)
	}

	s.subsMu.Lock()
	fns := make([]func(prev, next Session), 0, len(s.subs))
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(prev, next)
	}
}

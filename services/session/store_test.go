package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"userportal/internal/fakeapi"
	"userportal/pkg/apiclient"
	"userportal/pkg/storage"
	"userportal/services/nav"
)

type fixture struct {
	api       *fakeapi.Server
	store     *Store
	router    *nav.Router
	snapshots *storage.Memory
	tokens    *storage.Memory
}

func newFixture(t *testing.T, start string) *fixture {
	t.Helper()
	api := fakeapi.New()
	t.Cleanup(api.Close)

	f := &fixture{
		api:       api,
		router:    nav.NewRouter(start),
		snapshots: storage.NewMemory(),
		tokens:    storage.NewMemory(),
	}
	f.store = f.newStore(t, api.URL, f.snapshots, f.tokens)
	return f
}

func (f *fixture) newStore(t *testing.T, baseURL string, snapshots, tokens storage.Storage) *Store {
	t.Helper()
	var store *Store
	client, err := apiclient.New(baseURL,
		apiclient.WithInsecure(true),
		apiclient.WithTokenSource(func() string { return store.Token() }),
	)
	if err != nil {
		t.Fatalf("apiclient.New() error = %v", err)
	}
	store, err = New(Options{
		API:       client,
		Snapshots: snapshots,
		Tokens:    tokens,
		Navigator: f.router,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store
}

func TestLoginWithCredentialsSuccess(t *testing.T) {
	f := newFixture(t, nav.Login)
	id := f.api.Seed("Ada", "a@b.com", "Secret1!", "user")

	if got := f.store.Current(); got != (Session{}) {
		t.Fatalf("initial session = %+v, want empty", got)
	}

	res := f.store.LoginWithCredentials(context.Background(), "a@b.com", "Secret1!")
	if !res.Success || res.Message != "Login successful" {
		t.Fatalf("result = %+v", res)
	}

	want := Session{ID: id.ID, Name: "Ada", Email: "a@b.com", Role: "user", Auth: true}
	if got := f.store.Current(); got != want {
		t.Fatalf("session = %+v, want %+v", got, want)
	}

	raw, ok, _ := f.snapshots.Get(SnapshotKey)
	if !ok {
		t.Fatal("snapshot not persisted")
	}
	if raw != `{"id":"`+id.ID+`","name":"Ada","email":"a@b.com","role":"user","auth":true}` {
		t.Fatalf("snapshot = %s", raw)
	}
	if token, ok, _ := f.tokens.Get(TokenKey); !ok || token == "" {
		t.Fatal("token not persisted")
	}
	if f.store.Token() == "" {
		t.Fatal("Token() empty after login")
	}
}

func TestLoginWithCredentialsFailure(t *testing.T) {
	f := newFixture(t, nav.Login)
	f.api.Seed("Ada", "a@b.com", "Secret1!", "user")

	res := f.store.LoginWithCredentials(context.Background(), "a@b.com", "wrong")
	want := Result{Success: false, Message: "Invalid credentials"}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
	if got := f.store.Current(); got.Auth {
		t.Fatalf("session changed on failure: %+v", got)
	}
	if _, ok, _ := f.snapshots.Get(SnapshotKey); ok {
		t.Fatal("snapshot written on failure")
	}
	if _, ok, _ := f.tokens.Get(TokenKey); ok {
		t.Fatal("token written on failure")
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, nav.Register)

	res := f.store.Register(context.Background(), "Bob", "bob@example.com", "Secret1!")
	if !res.Success || res.Message != "Registration successful" {
		t.Fatalf("result = %+v", res)
	}
	got := f.store.Current()
	if !got.Auth || got.Email != "bob@example.com" || got.Name != "Bob" || got.Role != "user" || got.ID == "" {
		t.Fatalf("session = %+v", got)
	}

	f.store.Logout()
	dup := f.store.Register(context.Background(), "Bob", "bob@example.com", "Secret1!")
	if dup != (Result{Success: false, Message: "Email already registered"}) {
		t.Fatalf("duplicate result = %+v", dup)
	}
}

func TestRateLimitedLoginShowsServerMessage(t *testing.T) {
	api := fakeapi.New(fakeapi.WithLoginLimit(1))
	t.Cleanup(api.Close)
	api.Seed("Ada", "a@b.com", "Secret1!", "user")

	f := &fixture{api: api, router: nav.NewRouter(nav.Login), snapshots: storage.NewMemory(), tokens: storage.NewMemory()}
	f.store = f.newStore(t, api.URL, f.snapshots, f.tokens)

	_ = f.store.LoginWithCredentials(context.Background(), "a@b.com", "wrong")
	res := f.store.LoginWithCredentials(context.Background(), "a@b.com", "Secret1!")
	if res != (Result{Success: false, Message: "Too many login attempts"}) {
		t.Fatalf("result = %+v", res)
	}
	if f.store.Current().Auth {
		t.Fatal("rate-limited attempt signed in")
	}
}

func TestTransportFailureUsesFallback(t *testing.T) {
	srv := httptest.NewServer(nil)
	base := srv.URL
	srv.Close()

	f := &fixture{router: nav.NewRouter(nav.Login), snapshots: storage.NewMemory(), tokens: storage.NewMemory()}
	store := f.newStore(t, base, f.snapshots, f.tokens)

	tests := []struct {
		name string
		run  func() Result
		want string
	}{
		{name: "login", run: func() Result { return store.LoginWithCredentials(context.Background(), "a@b.com", "x") }, want: "Login failed"},
		{name: "register", run: func() Result { return store.Register(context.Background(), "A", "a@b.com", "x") }, want: "Registration failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.run(); got != (Result{Success: false, Message: tt.want}) {
				t.Fatalf("result = %+v, want message %q", got, tt.want)
			}
		})
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t, nav.Dashboard)
	_ = f.tokens.Set(TokenKey, "stale-token")
	_ = f.snapshots.Set(SnapshotKey, `{"auth":false}`)

	f.store.Logout()
	f.store.Logout()

	if _, ok, _ := f.tokens.Get(TokenKey); ok {
		t.Fatal("token not cleared")
	}
	if _, ok, _ := f.snapshots.Get(SnapshotKey); ok {
		t.Fatal("snapshot not cleared")
	}
	if got := f.router.History(); !reflect.DeepEqual(got, []string{nav.Login, nav.Login}) {
		t.Fatalf("navigation history = %v", got)
	}
	if f.store.Current() != (Session{}) {
		t.Fatal("session not empty after logout")
	}
}

func TestLogoutAfterLogin(t *testing.T) {
	f := newFixture(t, nav.Login)
	f.api.Seed("Ada", "a@b.com", "Secret1!", "admin")
	if res := f.store.LoginWithCredentials(context.Background(), "a@b.com", "Secret1!"); !res.Success {
		t.Fatalf("login failed: %+v", res)
	}

	f.store.Logout()

	if f.store.Current() != (Session{}) || f.store.Token() != "" {
		t.Fatal("logout left state behind")
	}
	if f.router.Current() != nav.Login {
		t.Fatalf("current view = %q, want %q", f.router.Current(), nav.Login)
	}
}

func TestLoginInstallsIdentity(t *testing.T) {
	f := newFixture(t, nav.Login)

	var transitions []Session
	f.store.Subscribe(func(_, next Session) { transitions = append(transitions, next) })

	f.store.Login(Identity{ID: "u1", Name: "Ada", Email: "a@b.com", Role: "user"})

	want := Session{ID: "u1", Name: "Ada", Email: "a@b.com", Role: "user", Auth: true}
	if f.store.Current() != want {
		t.Fatalf("session = %+v", f.store.Current())
	}
	if len(transitions) != 1 || transitions[0] != want {
		t.Fatalf("transitions = %+v", transitions)
	}
	if _, ok, _ := f.snapshots.Get(SnapshotKey); !ok {
		t.Fatal("snapshot not persisted")
	}
}

func TestHydrate(t *testing.T) {
	tests := []struct {
		name         string
		snapshot     string
		want         Session
		wantRemained bool
	}{
		{
			name:         "authenticated snapshot",
			snapshot:     `{"id":"u1","name":"Ada","email":"a@b.com","role":"user","auth":true}`,
			want:         Session{ID: "u1", Name: "Ada", Email: "a@b.com", Role: "user", Auth: true},
			wantRemained: true,
		},
		{
			name:         "anonymous snapshot drops identity",
			snapshot:     `{"id":"u1","auth":false}`,
			want:         Session{},
			wantRemained: true,
		},
		{
			name:         "authenticated snapshot without identity is discarded",
			snapshot:     `{"auth":true}`,
			want:         Session{},
			wantRemained: false,
		},
		{
			name:         "authenticated snapshot without role is discarded",
			snapshot:     `{"id":"u1","name":"Ada","email":"a@b.com","auth":true}`,
			want:         Session{},
			wantRemained: false,
		},
		{
			name:         "corrupt snapshot is discarded",
			snapshot:     `{not json`,
			want:         Session{},
			wantRemained: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fixture{router: nav.NewRouter(nav.Dashboard), snapshots: storage.NewMemory(), tokens: storage.NewMemory()}
			_ = f.snapshots.Set(SnapshotKey, tt.snapshot)
			store := f.newStore(t, "http://127.0.0.1:1", f.snapshots, f.tokens)

			if got := store.Current(); got != tt.want {
				t.Fatalf("hydrated = %+v, want %+v", got, tt.want)
			}
			if _, ok, _ := f.snapshots.Get(SnapshotKey); ok != tt.wantRemained {
				t.Fatalf("snapshot present = %v, want %v", ok, tt.wantRemained)
			}
		})
	}
}

func TestLateResponseAfterLogoutIsDropped(t *testing.T) {
	f := newFixture(t, nav.Login)
	f.api.Seed("Ada", "a@b.com", "Secret1!", "user")

	entered, release := f.api.Hold(fakeapi.PathLogin)
	defer release()

	done := make(chan Result, 1)
	go func() {
		done <- f.store.LoginWithCredentials(context.Background(), "a@b.com", "Secret1!")
	}()

	waitFor(t, entered)
	f.store.Logout()
	release()

	res := <-done
	if res.Success || !res.Stale || res.Message != "Request superseded" {
		t.Fatalf("result = %+v, want stale failure", res)
	}
	if f.store.Current().Auth {
		t.Fatal("late response was applied")
	}
	if f.store.Token() != "" {
		t.Fatal("late token was stored")
	}
}

func TestLateFailureAfterLogoutIsStale(t *testing.T) {
	f := newFixture(t, nav.Login)
	f.api.Seed("Ada", "a@b.com", "Secret1!", "user")

	entered, release := f.api.Hold(fakeapi.PathLogin)
	defer release()

	done := make(chan Result, 1)
	go func() {
		done <- f.store.LoginWithCredentials(context.Background(), "a@b.com", "wrong")
	}()

	waitFor(t, entered)
	f.store.Logout()
	release()

	res := <-done
	want := Result{Success: false, Message: "Request superseded", Stale: true}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
}

func TestFailedOlderAttemptIsStaleAfterNewerOne(t *testing.T) {
	f := newFixture(t, nav.Login)
	f.api.Seed("Ada", "a@b.com", "Secret1!", "user")

	entered, release := f.api.Hold(fakeapi.PathLogin)
	defer release()

	wrong := make(chan Result, 1)
	go func() {
		wrong <- f.store.LoginWithCredentials(context.Background(), "a@b.com", "wrong")
	}()
	waitFor(t, entered)

	right := make(chan Result, 1)
	go func() {
		right <- f.store.LoginWithCredentials(context.Background(), "a@b.com", "Secret1!")
	}()
	waitFor(t, entered)
	release()

	older, newer := <-wrong, <-right
	if !newer.Success {
		t.Fatalf("newer attempt result = %+v", newer)
	}
	want := Result{Success: false, Message: "Request superseded", Stale: true}
	if older != want {
		t.Fatalf("older attempt result = %+v, want %+v", older, want)
	}
	if !f.store.Current().Auth {
		t.Fatal("newer success was undone")
	}
}

func TestAuthResponseWithoutRoleIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"t1","user":{"id":"u1","name":"Ada","email":"a@b.com"}}`))
	}))
	t.Cleanup(srv.Close)

	f := &fixture{router: nav.NewRouter(nav.Login), snapshots: storage.NewMemory(), tokens: storage.NewMemory()}
	store := f.newStore(t, srv.URL, f.snapshots, f.tokens)

	res := store.LoginWithCredentials(context.Background(), "a@b.com", "Secret1!")
	want := Result{Success: false, Message: "Login failed"}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
	if store.Current().Auth {
		t.Fatal("session installed without a role")
	}
	if _, ok, _ := f.tokens.Get(TokenKey); ok {
		t.Fatal("token written for a response without a role")
	}
}

func TestNewerAttemptSupersedesOlder(t *testing.T) {
	f := newFixture(t, nav.Login)
	f.api.Seed("Ada", "a@b.com", "Secret1!", "user")
	f.api.Seed("Bob", "bob@example.com", "Secret1!", "admin")

	entered, release := f.api.Hold(fakeapi.PathLogin)

	first := make(chan Result, 1)
	go func() {
		first <- f.store.LoginWithCredentials(context.Background(), "a@b.com", "Secret1!")
	}()
	waitFor(t, entered)

	second := make(chan Result, 1)
	go func() {
		second <- f.store.LoginWithCredentials(context.Background(), "bob@example.com", "Secret1!")
	}()
	waitFor(t, entered)
	release()

	r1, r2 := <-first, <-second
	if !r2.Success {
		t.Fatalf("newer attempt result = %+v", r2)
	}
	if !r1.Stale {
		t.Fatalf("older attempt result = %+v, want stale", r1)
	}
	if got := f.store.Current(); got.Email != "bob@example.com" || got.Role != "admin" {
		t.Fatalf("session = %+v, want bob", got)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	f := newFixture(t, nav.Login)

	var order []string
	unsubA := f.store.Subscribe(func(_, _ Session) { order = append(order, "a") })
	f.store.Subscribe(func(_, _ Session) { order = append(order, "b") })

	f.store.Login(Identity{ID: "u1", Email: "a@b.com", Name: "A", Role: "user"})
	unsubA()
	unsubA()
	f.store.Logout()

	if want := []string{"a", "b", "b"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("notification order = %v, want %v", order, want)
	}
}

func TestTokenWriteFailureLeavesSessionUnchanged(t *testing.T) {
	api := fakeapi.New()
	t.Cleanup(api.Close)
	api.Seed("Ada", "a@b.com", "Secret1!", "user")

	f := &fixture{router: nav.NewRouter(nav.Login), snapshots: storage.NewMemory()}
	store := f.newStore(t, api.URL, f.snapshots, failingStorage{})

	res := store.LoginWithCredentials(context.Background(), "a@b.com", "Secret1!")
	if res != (Result{Success: false, Message: "Login failed"}) {
		t.Fatalf("result = %+v", res)
	}
	if store.Current().Auth {
		t.Fatal("session changed despite persistence failure")
	}
	if _, ok, _ := f.snapshots.Get(SnapshotKey); ok {
		t.Fatal("snapshot written despite token failure")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	mem := storage.NewMemory()
	router := nav.NewRouter("")
	client, _ := apiclient.New("https://api.example.com")

	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing api", opts: Options{Snapshots: mem, Tokens: mem, Navigator: router}},
		{name: "missing snapshots", opts: Options{API: client, Tokens: mem, Navigator: router}},
		{name: "missing tokens", opts: Options{API: client, Snapshots: mem, Navigator: router}},
		{name: "missing navigator", opts: Options{API: client, Snapshots: mem, Tokens: mem}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Fatal("New() succeeded")
			}
		})
	}
}

type failingStorage struct{}

func (failingStorage) Get(string) (string, bool, error) { return "", false, nil }
func (failingStorage) Set(string, string) error         { return errors.New("disk full") }
func (failingStorage) Remove(string) error              { return nil }

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}

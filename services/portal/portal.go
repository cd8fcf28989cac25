package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"userportal/services/auth"
	"userportal/services/forms"
	"userportal/services/guard"
	"userportal/services/nav"
	"userportal/services/notify"
	"userportal/services/profile"
	"userportal/services/session"
)

// SubjectSessionChanged carries a session.Event for every sign-in, sign-out or identity change.
const SubjectSessionChanged = "portal.session.changed"

const publishTimeout = 2 * time.Second

var (
	ErrSignedOut    = errors.New("please log in to continue")
	ErrUnauthorized = errors.New("you are not authorized to view this page")
)

// Publisher delivers session events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

type Options struct {
	Store     *session.Store
	Navigator nav.Navigator
	Notifier  notify.Notifier
	Profiles  *profile.Service
	// AllowedRoles gates the dashboard. Defaults to user and admin.
	AllowedRoles []string
	// Events is optional.
	Events Publisher
	Logger zerolog.Logger
}

// App holds the views of the portal: the login and registration forms and the guarded dashboard.
type App struct {
	store    *session.Store
	nav      nav.Navigator
	notifier notify.Notifier
	profiles *profile.Service
	roles    []string
	events   Publisher
	logger   zerolog.Logger

	login    *auth.Authenticator
	register *auth.Authenticator
	redirect *session.Redirector

	unsubscribe func()
}

func New(opts Options) (*App, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("session store is required")
	case opts.Navigator == nil:
		return nil, errors.New("navigator is required")
	case opts.Notifier == nil:
		return nil, errors.New("notifier is required")
	case opts.Profiles == nil:
		return nil, errors.New("profile service is required")
	}

	login, err := auth.New(auth.ModeLogin, opts.Store)
	if err != nil {
		return nil, err
	}
	register, err := auth.New(auth.ModeRegister, opts.Store)
	if err != nil {
		return nil, err
	}

	roles := opts.AllowedRoles
	if len(roles) == 0 {
		roles = []string{"user", "admin"}
	}

	return &App{
		store:    opts.Store,
		nav:      opts.Navigator,
		notifier: opts.Notifier,
		profiles: opts.Profiles,
		roles:    roles,
		events:   opts.Events,
		logger:   opts.Logger,
		login:    login,
		register: register,
		redirect: session.NewRedirector(opts.Store, opts.Navigator),
	}, nil
}

// Start runs the redirect effect for the hydrated session and begins publishing session events.
func (a *App) Start() {
	if a.events != nil && a.unsubscribe == nil {
		a.unsubscribe = a.store.Subscribe(a.publish)
	}
	a.redirect.Start()
}

func (a *App) Close() {
	a.redirect.Stop()
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
}

func (a *App) Session() session.Session {
	return a.store.Current()
}

// Authenticator exposes the hook behind mode so callers can read its loading and error state.
func (a *App) Authenticator(mode auth.Mode) *auth.Authenticator {
	if mode == auth.ModeRegister {
		return a.register
	}
	return a.login
}

// OpenAuthView shows the login or registration view. It reports false and redirects to the
// dashboard when a session already exists.
func (a *App) OpenAuthView(mode auth.Mode) bool {
	if a.store.Current().Auth {
		a.nav.Navigate(nav.Dashboard)
		return false
	}
	if mode == auth.ModeRegister {
		a.nav.Navigate(nav.Register)
	} else {
		a.nav.Navigate(nav.Login)
	}
	return true
}

// SubmitAuth submits the login or registration form. Registration input is checked locally and
// never reaches the API when it fails.
func (a *App) SubmitAuth(ctx context.Context, mode auth.Mode, f *forms.Form) (session.Result, error) {
	if mode == auth.ModeRegister {
		if err := forms.ValidateRegistration(f.String("password"), f.String("confirmPassword")); err != nil {
			a.notifier.Error(err.Error())
			return session.Result{Success: false, Message: err.Error()}, err
		}
	}

	res, err := a.Authenticator(mode).Authenticate(ctx, auth.Credentials{
		Name:     f.String("name"),
		Email:    f.String("email"),
		Password: f.String("password"),
	})
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) && authErr.Stale {
			a.logger.Info().Str("mode", string(mode)).Msg("authentication superseded")
			return res, err
		}
		a.notifier.Error(res.Message)
		return res, err
	}

	if mode == auth.ModeRegister {
		a.notifier.Success("Registration successful!")
	} else {
		a.notifier.Success("Login successful!")
	}
	a.nav.Navigate(nav.Dashboard)
	return res, nil
}

// ShowProfile loads the dashboard profile.
func (a *App) ShowProfile(ctx context.Context) (profile.Profile, error) {
	var p profile.Profile
	err := a.guarded(func(s session.Session) error {
		var err error
		p, err = a.profiles.Fetch(ctx, s)
		return a.report(err, "")
	})
	return p, err
}

func (a *App) EditProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	var saved profile.Profile
	err := a.guarded(func(s session.Session) error {
		var err error
		saved, err = a.profiles.Update(ctx, s.ID, p)
		return a.report(err, "User data updated successfully!")
	})
	return saved, err
}

func (a *App) UploadAvatar(ctx context.Context, filename string, r io.Reader) (string, error) {
	var url string
	err := a.guarded(func(s session.Session) error {
		var err error
		url, err = a.profiles.UploadAvatar(ctx, s.ID, filename, r)
		return a.report(err, "Avatar uploaded successfully!")
	})
	return url, err
}

// DeleteAccount removes the account and signs out.
func (a *App) DeleteAccount(ctx context.Context) error {
	return a.guarded(func(s session.Session) error {
		if err := a.profiles.Delete(ctx, s.ID); err != nil {
			return a.report(err, "")
		}
		a.store.Logout()
		a.notifier.Success("Account deleted successfully!")
		return nil
	})
}

func (a *App) Logout() {
	a.store.Logout()
}

func (a *App) guarded(fn func(s session.Session) error) error {
	var current session.Session
	d, err := guard.Protect(func() session.Session {
		current = a.store.Current()
		return current
	}, a.roles, a.nav, func() error {
		return fn(current)
	})
	if err != nil || d.Allow {
		return err
	}
	if d.Redirect == nav.Unauthorized {
		return ErrUnauthorized
	}
	return ErrSignedOut
}

// report shows err to the user, or success when err is nil and success is set.
func (a *App) report(err error, success string) error {
	if err != nil {
		a.notifier.Error(err.Error())
		return err
	}
	if success != "" {
		a.notifier.Success(success)
	}
	return nil
}

func (a *App) publish(prev, next session.Session) {
	if prev.Auth == next.Auth && prev.ID == next.ID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.events.Publish(ctx, SubjectSessionChanged, session.NewEvent(next, time.Now())); err != nil {
		a.logger.Warn().Err(fmt.Errorf("publish session event: %w", err)).Msg("event not delivered")
	}
}

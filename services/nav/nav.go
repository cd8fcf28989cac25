package nav

import "sync"

// Views the client can be on.
const (
	Login        = "/login"
	Register     = "/register"
	Dashboard    = "/"
	Unauthorized = "/unauthorized"
)

// Navigator moves the client between views.
type Navigator interface {
	Current() string
	Navigate(path string)
}

// IsPublic reports whether path may be shown without a session.
func IsPublic(path string) bool {
	return path == Login || path == Register
}

// Router is an in-memory Navigator. Every Navigate call is recorded, including one to the
// current path.
type Router struct {
	mu      sync.Mutex
	current string
	history []string

	// OnNavigate, when set, is called after each navigation with the new path.
	OnNavigate func(path string)
}

// NewRouter starts on the given path.
func NewRouter(start string) *Router {
	if start == "" {
		start = Dashboard
	}
	return &Router{current: start}
}

func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Router) Navigate(path string) {
	r.mu.Lock()
	r.current = path
	r.history = append(r.history, path)
	hook := r.OnNavigate
	r.mu.Unlock()

	if hook != nil {
		hook(path)
	}
}

// History returns the navigations performed so far.
func (r *Router) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return nil
	}
	out := make([]string, len(r.history))
	copy(out, r.history)
	return out
}

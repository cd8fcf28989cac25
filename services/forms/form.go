package forms

import (
	"fmt"
	"maps"
	"sync"
)

// Change is one edit to a form field, shaped like an input event.
type Change struct {
	Name    string
	Value   string
	Type    string
	Checked bool
}

// Form holds the current values of a set of controlled fields.
type Form struct {
	mu      sync.Mutex
	initial map[string]any
	values  map[string]any
}

// New returns a Form seeded with initial. The map is copied.
func New(initial map[string]any) *Form {
	return &Form{
		initial: maps.Clone(initial),
		values:  maps.Clone(initial),
	}
}

// LoginFields are the initial values of the login form.
func LoginFields() map[string]any {
	return map[string]any{"email": "", "password": ""}
}

// RegisterFields are the initial values of the registration form.
func RegisterFields() map[string]any {
	return map[string]any{"name": "", "email": "", "password": "", "confirmPassword": ""}
}

// HandleChange applies c. Checkboxes store their checked state, every other type stores Value.
func (f *Form) HandleChange(c Change) {
	if c.Type == "checkbox" {
		f.Set(c.Name, c.Checked)
		return
	}
	f.Set(c.Name, c.Value)
}

// Set stores value under name.
func (f *Form) Set(name string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = make(map[string]any)
	}
	f.values[name] = value
}

// String returns the field as a string, or "" when unset.
func (f *Form) String(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := f.values[name].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns a checkbox field.
func (f *Form) Bool(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _ := f.values[name].(bool)
	return v
}

// Values returns a copy of all fields.
func (f *Form) Values() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.values)
}

// Reset restores the initial values.
func (f *Form) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = maps.Clone(f.initial)
}

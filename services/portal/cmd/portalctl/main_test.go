package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/alicebob/miniredis/v2"

	"userportal/internal/fakeapi"
)

type cli struct {
	t        *testing.T
	api      *fakeapi.Server
	tokenDir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	api := fakeapi.New()
	t.Cleanup(api.Close)

	tokenDir := filepath.Join(t.TempDir(), "tokens")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("PORTAL_API_URL", api.URL)
	t.Setenv("PORTAL_ALLOW_INSECURE_HTTP", "true")
	t.Setenv("PORTAL_STATE_DIR", filepath.Join(t.TempDir(), "state"))
	t.Setenv("PORTAL_TOKEN_DIR", tokenDir)
	t.Setenv("PORTAL_LOG_LEVEL", "disabled")
	t.Setenv(passwordEnv, "")
	return &cli{t: t, api: api, tokenDir: tokenDir}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestRegisterWhoamiLogout(t *testing.T) {
	c := newCLI(t)

	out, err := c.run("register", "--name", "Ada", "--email", "a@b.com", "--password", "Secret1!")
	if err != nil {
		t.Fatalf("register error = %v, output %q", err, out)
	}
	if !strings.Contains(out, "✓ Registration successful!") {
		t.Fatalf("register output = %q", out)
	}

	out, err = c.run("whoami", "-o", "json")
	if err != nil {
		t.Fatalf("whoami error = %v", err)
	}
	var info struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Auth    bool   `json:"auth"`
		Subject string `json:"token_subject"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode whoami %q: %v", out, err)
	}
	if !info.Auth || info.Email != "a@b.com" || info.Subject != info.ID {
		t.Fatalf("whoami = %+v", info)
	}

	out, err = c.run("register", "--name", "Ada", "--email", "a@b.com", "--password", "Secret1!")
	if err != nil || !strings.Contains(out, "Already signed in as a@b.com") {
		t.Fatalf("second register = %q, %v", out, err)
	}

	if out, err = c.run("logout"); err != nil || !strings.Contains(out, "Signed out") {
		t.Fatalf("logout = %q, %v", out, err)
	}
	if _, err := c.run("whoami"); err == nil {
		t.Fatal("whoami after logout succeeded")
	}
}

func TestLoginFailureIsReportedOnce(t *testing.T) {
	c := newCLI(t)
	c.api.Seed("Ada", "a@b.com", "Secret1!", "user")

	out, err := c.run("login", "--email", "a@b.com", "--password", "nope")
	var s *shownError
	if !errors.As(err, &s) {
		t.Fatalf("login error = %v, want shownError", err)
	}
	if !strings.Contains(out, "✗ Invalid credentials") {
		t.Fatalf("login output = %q", out)
	}
}

func TestRegisterMismatchNeverCallsAPI(t *testing.T) {
	c := newCLI(t)
	out, err := c.run("register", "--name", "Ada", "--email", "a@b.com", "--password", "Secret1!", "--confirm-password", "Other1!x")
	if err == nil {
		t.Fatal("register succeeded with mismatched passwords")
	}
	if !strings.Contains(out, "✗ Passwords do not match!") {
		t.Fatalf("output = %q", out)
	}
	if n := c.api.TotalHits(); n != 0 {
		t.Fatalf("api hits = %d, want 0", n)
	}
}

func TestPasswordFromEnv(t *testing.T) {
	c := newCLI(t)
	c.api.Seed("Ada", "a@b.com", "Secret1!", "user")
	t.Setenv(passwordEnv, "Secret1!")

	if out, err := c.run("login", "--email", "a@b.com"); err != nil || !strings.Contains(out, "✓ Login successful!") {
		t.Fatalf("login = %q, %v", out, err)
	}
}

func TestProfileCommands(t *testing.T) {
	c := newCLI(t)
	metricsFile := filepath.Join(t.TempDir(), "portal.prom")
	t.Setenv("PORTAL_METRICS_FILE", metricsFile)
	c.api.Seed("Ada", "a@b.com", "Secret1!", "user")

	if _, err := c.run("profile", "show"); err == nil || !strings.Contains(err.Error(), "log in") {
		t.Fatalf("profile show while signed out error = %v", err)
	}

	if _, err := c.run("login", "--email", "a@b.com", "--password", "Secret1!"); err != nil {
		t.Fatalf("login error = %v", err)
	}

	out, err := c.run("profile", "edit", "--phone", "555", "--bio", "hello")
	if err != nil {
		t.Fatalf("profile edit error = %v, output %q", err, out)
	}
	if !strings.Contains(out, "Phone:  555") || !strings.Contains(out, "Name:   Ada") {
		t.Fatalf("profile edit output = %q", out)
	}

	avatar := filepath.Join(t.TempDir(), "me.png")
	if err := os.WriteFile(avatar, []byte("\x89PNG\r\n\x1a\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if out, err := c.run("profile", "avatar", avatar); err != nil || !strings.Contains(out, "/avatars/") {
		t.Fatalf("profile avatar = %q, %v", out, err)
	}

	if _, err := c.run("profile", "delete"); err == nil {
		t.Fatal("profile delete without --yes succeeded")
	}
	if out, err := c.run("profile", "delete", "--yes"); err != nil || !strings.Contains(out, "Account deleted successfully!") {
		t.Fatalf("profile delete = %q, %v", out, err)
	}

	data, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), "portal_api_requests_total") {
		t.Fatalf("metrics file missing request counter:\n%s", data)
	}
}

func TestSealedTokenStorage(t *testing.T) {
	c := newCLI(t)
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	keyFile := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(keyFile, []byte("# created: test\n"+id.String()+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORTAL_AGE_IDENTITY", keyFile)
	c.api.Seed("Ada", "a@b.com", "Secret1!", "user")

	if _, err := c.run("login", "--email", "a@b.com", "--password", "Secret1!"); err != nil {
		t.Fatalf("login error = %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(c.tokenDir, "token"))
	if err != nil {
		t.Fatalf("read token: %v", err)
	}
	if !strings.HasPrefix(string(raw), "-----BEGIN AGE ENCRYPTED FILE-----") {
		t.Fatalf("token stored in clear: %q", raw)
	}
	if out, err := c.run("profile", "show", "-o", "yaml"); err != nil || !strings.Contains(out, "fullname: Ada") {
		t.Fatalf("profile show = %q, %v", out, err)
	}
}

func TestRedisSnapshots(t *testing.T) {
	c := newCLI(t)
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	t.Setenv("PORTAL_REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("PORTAL_SESSION_TTL", "30m")
	c.api.Seed("Ada", "a@b.com", "Secret1!", "user")

	if _, err := c.run("login", "--email", "a@b.com", "--password", "Secret1!"); err != nil {
		t.Fatalf("login error = %v", err)
	}
	key := "portal:" + strconv.Itoa(os.Getuid()) + ":user"
	if !mr.Exists(key) {
		t.Fatalf("snapshot %s not in redis; keys %v", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl != 30*time.Minute {
		t.Fatalf("snapshot ttl = %v, want 30m", ttl)
	}

	mr.FastForward(time.Hour)
	if _, err := c.run("whoami"); err == nil {
		t.Fatal("whoami succeeded after the snapshot expired")
	}
}

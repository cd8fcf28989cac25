package profile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"userportal/pkg/apiclient"
	"userportal/services/forms"
	"userportal/services/session"
)

const (
	userDataPath = "/api/userdata/"
	uploadPath   = "/api/userdata/upload-avatar"
	avatarField  = "avatar"
)

var (
	ErrNotImage = errors.New("Please select an image file")
	ErrNoFile   = errors.New("Please select an image")
	ErrNoUser   = errors.New("user id is required")
)

// Profile is the editable user data record.
type Profile struct {
	FullName string `json:"fullname"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Bio      string `json:"bio"`
	Avatar   string `json:"avatar"`
}

// Error carries the user-facing text for a failed profile call.
type Error struct {
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// API is the subset of apiclient.Client the profile service uses.
type API interface {
	Get(ctx context.Context, path string, out any) error
	Put(ctx context.Context, path string, in, out any) error
	Delete(ctx context.Context, path string, out any) error
	Upload(ctx context.Context, path string, query url.Values, f apiclient.File, out any) error
}

type Service struct {
	api    API
	logger zerolog.Logger
}

func New(api API, logger zerolog.Logger) *Service {
	return &Service{api: api, logger: logger}
}

// Fetch loads the profile of the signed-in user. Blank name and email are filled from the session.
func (s *Service) Fetch(ctx context.Context, sess session.Session) (Profile, error) {
	if sess.ID == "" {
		return Profile{}, ErrNoUser
	}
	var p Profile
	if err := s.api.Get(ctx, userDataPath+url.PathEscape(sess.ID), &p); err != nil {
		return Profile{}, s.fail("fetch", err, "Failed to fetch user data")
	}
	if p.FullName == "" {
		p.FullName = sess.Name
	}
	if p.Email == "" {
		p.Email = sess.Email
	}
	return p, nil
}

// Update saves p for id after checking the email locally.
func (s *Service) Update(ctx context.Context, id string, p Profile) (Profile, error) {
	if id == "" {
		return Profile{}, ErrNoUser
	}
	if err := forms.ValidateEmail(p.Email); err != nil {
		return Profile{}, err
	}
	var saved Profile
	if err := s.api.Put(ctx, userDataPath+url.PathEscape(id), p, &saved); err != nil {
		return Profile{}, s.fail("update", err, "Failed to update user data")
	}
	if saved == (Profile{}) {
		saved = p
	}
	return saved, nil
}

// UploadAvatar sends an image for id and returns the URL the server stored it under.
func (s *Service) UploadAvatar(ctx context.Context, id, filename string, r io.Reader) (string, error) {
	if id == "" {
		return "", ErrNoUser
	}
	if r == nil {
		return "", ErrNoFile
	}

	br := bufio.NewReader(r)
	contentType := imageType(filename, br)
	if !strings.HasPrefix(contentType, "image/") {
		return "", ErrNotImage
	}

	var out struct {
		URL string `json:"url"`
	}
	f := apiclient.File{
		Field:       avatarField,
		Name:        filepath.Base(filename),
		ContentType: contentType,
		Body:        br,
	}
	if err := s.api.Upload(ctx, uploadPath, url.Values{"user_id": {id}}, f, &out); err != nil {
		return "", s.fail("upload avatar", err, "Failed to upload avatar")
	}
	return out.URL, nil
}

// Delete removes the account. The caller is expected to log out afterwards.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNoUser
	}
	if err := s.api.Delete(ctx, userDataPath+url.PathEscape(id), nil); err != nil {
		return s.fail("delete", err, "Failed to delete account")
	}
	return nil
}

func (s *Service) fail(op string, err error, fallback string) error {
	msg := apiclient.ReasonOf(err, fallback)
	s.logger.Error().Err(err).Str("op", op).Msg("profile request failed")
	return &Error{Op: op, Message: msg, Err: fmt.Errorf("profile %s: %w", op, err)}
}

// imageType uses the file extension and falls back to sniffing the first bytes.
func imageType(filename string, br *bufio.Reader) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); t != "" {
		mediaType, _, err := mime.ParseMediaType(t)
		if err == nil {
			return mediaType
		}
	}
	head, _ := br.Peek(512)
	return http.DetectContentType(head)
}

package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
)

// Session owns authentication state against the marketplace. Cookies are
// persisted across restarts so the agent does not log in fresh every run,
// which the platform reads as bot behavior.
//
// Credentials arrive through the environment (RONIN_MARKETPLACE_EMAIL and
// RONIN_MARKETPLACE_PASSWORD bound in config); they are never written to
// disk. Only the session cookies are.
type Session struct {
	client   *Client
	email    string
	password string
	path     string
	logger   *zap.SugaredLogger

	mu            sync.Mutex
	authenticated bool
}

// sessionFile is the on-disk shape of a persisted session
type sessionFile struct {
	SavedAt time.Time      `json:"saved_at"`
	Email   string         `json:"email"`
	Cookies []*http.Cookie `json:"cookies"`
}

// loginRequest is the login endpoint payload
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// NewSession creates a session handle for the marketplace. Any cookies
// persisted by a previous run are loaded immediately; they are verified
// lazily on the first EnsureSession call.
func NewSession(client *Client, cfg config.MarketplaceConfig, logger *zap.SugaredLogger) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Session{
		client:   client,
		email:    cfg.Email,
		password: cfg.Password,
		path:     cfg.SessionPath,
		logger:   logger,
	}

	if err := s.load(); err != nil {
		logger.Debugw("No persisted session loaded", "error", err)
	}
	return s
}

// EnsureSession guarantees a valid authenticated session, verifying the
// current cookies and logging in again when they have gone stale.
func (s *Session) EnsureSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authenticated {
		if err := s.verify(ctx); err == nil {
			return nil
		} else if !errors.IsAuthError(err) {
			// Transient trouble says nothing about the session itself
			return err
		}
		s.logger.Infow("Marketplace session expired, logging in again")
		s.authenticated = false
	}

	// Cookies restored from disk have not been verified yet
	if !s.authenticated && len(s.client.Cookies()) > 0 {
		if err := s.verify(ctx); err == nil {
			s.authenticated = true
			return nil
		} else if !errors.IsAuthError(err) {
			return err
		}
		s.clear()
	}

	return s.login(ctx)
}

// Invalidate drops the current session state. The next EnsureSession will
// log in from scratch. Called when the marketplace rejects a request that
// was supposed to be authenticated.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
}

// Logout ends the session on the server and clears local state
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.postJSON(ctx, "/api/logout", nil, nil)
	s.clear()
	s.authenticated = false
	if err != nil && !errors.IsAuthError(err) {
		return errors.Wrap(err, "logout request failed")
	}
	return nil
}

// verify checks the session by hitting an endpoint that requires
// authentication
func (s *Session) verify(ctx context.Context) error {
	return s.client.getJSON(ctx, "/api/me", nil, nil)
}

// login authenticates with the configured credentials and persists the
// resulting cookies
func (s *Session) login(ctx context.Context) error {
	if s.email == "" || s.password == "" {
		return errors.Wrap(errors.ErrAuth,
			"marketplace credentials not configured (set RONIN_MARKETPLACE_EMAIL and RONIN_MARKETPLACE_PASSWORD)")
	}

	err := s.client.postJSON(ctx, "/api/login", loginRequest{
		Email:    s.email,
		Password: s.password,
	}, nil)
	if err != nil {
		if errors.IsAuthError(err) {
			return errors.Wrap(err, "marketplace rejected the configured credentials")
		}
		return errors.Wrap(err, "login request failed")
	}

	s.authenticated = true
	if err := s.save(); err != nil {
		// A session that only lives in memory still works for this run
		s.logger.Warnw("Failed to persist session", "error", err)
	}

	s.logger.Infow("Logged in to marketplace", "email", s.email)
	return nil
}

// load restores persisted cookies into the client's jar
func (s *Session) load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read session file %s", s.path)
	}

	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.Wrapf(err, "corrupt session file %s", s.path)
	}

	if file.Email != "" && s.email != "" && file.Email != s.email {
		s.logger.Infow("Persisted session belongs to a different account, ignoring",
			"persisted", file.Email, "configured", s.email)
		return nil
	}
	if len(file.Cookies) == 0 {
		return nil
	}

	if err := s.client.SetCookies(file.Cookies); err != nil {
		return err
	}
	s.logger.Debugw("Restored persisted session", "saved_at", file.SavedAt)
	return nil
}

// save writes the current cookies to disk with owner-only permissions
func (s *Session) save() error {
	if s.path == "" {
		return nil
	}

	file := sessionFile{
		SavedAt: time.Now(),
		Email:   s.email,
		Cookies: s.client.Cookies(),
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode session")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), config.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create session directory for %s", s.path)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return errors.Wrapf(err, "failed to write session file %s", s.path)
	}
	return nil
}

// clear removes local session state, both in memory and on disk
func (s *Session) clear() {
	if err := s.client.ClearCookies(); err != nil {
		s.logger.Warnw("Failed to clear cookies", "error", err)
	}
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warnw("Failed to remove session file", "path", s.path, "error", err)
		}
	}
}

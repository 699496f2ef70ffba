// Package tokenstore persists the client's credentials across two tiers: a session tier holding
// the cached user and access token, and a durable tier holding the obfuscated refresh token.
package tokenstore

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/obfuscation"
	"go.uber.org/zap"
)

const (
	keySession      = "notes_user"
	keyRefreshToken = "notes_refresh_token"

	opSetSession        = "tokenstore.set_session"
	opReadSession       = "tokenstore.read_session"
	opClearSession      = "tokenstore.clear_session"
	opSetRefreshToken   = "tokenstore.set_refresh_token"
	opReadRefreshToken  = "tokenstore.read_refresh_token"
	opClearRefreshToken = "tokenstore.clear_refresh_token"
)

var (
	errMissingSessionTier = errors.New("tokenstore: session tier is required")
	errMissingDurableTier = errors.New("tokenstore: durable tier is required")
)

// Session is the cached identity plus the current access token.
type Session struct {
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	AccessToken string `json:"token"`
}

// TokenPair groups the credentials returned by the auth endpoints.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Config wires a Store to its tiers.
type Config struct {
	SessionTier Tier
	DurableTier Tier
	Codec       obfuscation.Codec
	Logger      *zap.Logger
}

// Store reads and writes credentials. Storage failures are logged and degrade to "no session";
// they are never returned to callers.
type Store struct {
	mu          sync.Mutex
	sessionTier Tier
	durableTier Tier
	codec       obfuscation.Codec
	logger      *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.SessionTier == nil {
		return nil, errMissingSessionTier
	}
	if cfg.DurableTier == nil {
		return nil, errMissingDurableTier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessionTier: cfg.SessionTier,
		durableTier: cfg.DurableTier,
		codec:       cfg.Codec,
		logger:      logger,
	}, nil
}

// NewMemoryStore returns a Store whose tiers both live in memory.
func NewMemoryStore(codec obfuscation.Codec, logger *zap.Logger) *Store {
	store, _ := NewStore(Config{
		SessionTier: NewMemoryTier(),
		DurableTier: NewMemoryTier(),
		Codec:       codec,
		Logger:      logger,
	})
	return store
}

// SetSession caches the user and access token in the session tier.
func (s *Store) SetSession(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setSessionLocked(session)
}

// Session returns the cached session when both identity and access token are present.
func (s *Store) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionLocked()
}

// AccessToken returns the current access token or the empty string.
func (s *Store) AccessToken() string {
	session, ok := s.Session()
	if !ok {
		return ""
	}
	return session.AccessToken
}

// ClearSession removes the session tier entry.
func (s *Store) ClearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sessionTier.Delete(keySession); err != nil {
		s.logError(opClearSession, "delete_failed", err)
	}
}

// SetRefreshToken obfuscates and stores the refresh token in the durable tier.
func (s *Store) SetRefreshToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setRefreshTokenLocked(token)
}

// RefreshToken returns the decoded durable refresh token.
func (s *Store) RefreshToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opaque, ok, err := s.durableTier.Get(keyRefreshToken)
	if err != nil {
		s.logError(opReadRefreshToken, "read_failed", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	token, ok := s.codec.Decode(opaque)
	if !ok || normalize(token) == "" {
		s.logError(opReadRefreshToken, "decode_failed", nil)
		return "", false
	}
	return token, true
}

// ClearRefreshToken removes the durable refresh token.
func (s *Store) ClearRefreshToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.durableTier.Delete(keyRefreshToken); err != nil {
		s.logError(opClearRefreshToken, "delete_failed", err)
	}
}

// Save replaces the session and the refresh token together so readers never observe a new
// access token paired with a stale refresh token.
func (s *Store) Save(session Session, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setSessionLocked(session)
	s.setRefreshTokenLocked(refreshToken)
}

// ClearAll wipes both tiers.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sessionTier.Delete(keySession); err != nil {
		s.logError(opClearSession, "delete_failed", err)
	}
	if err := s.durableTier.Delete(keyRefreshToken); err != nil {
		s.logError(opClearRefreshToken, "delete_failed", err)
	}
}

func (s *Store) setSessionLocked(session Session) {
	encoded, err := json.Marshal(session)
	if err != nil {
		s.logError(opSetSession, "encode_failed", err)
		return
	}
	if err := s.sessionTier.Set(keySession, string(encoded)); err != nil {
		s.logError(opSetSession, "write_failed", err)
	}
}

func (s *Store) sessionLocked() (Session, bool) {
	raw, ok, err := s.sessionTier.Get(keySession)
	if err != nil {
		s.logError(opReadSession, "read_failed", err)
		return Session{}, false
	}
	if !ok {
		return Session{}, false
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		s.logError(opReadSession, "decode_failed", err)
		return Session{}, false
	}
	if normalize(session.AccessToken) == "" {
		return Session{}, false
	}
	return session, true
}

func (s *Store) setRefreshTokenLocked(token string) {
	if normalize(token) == "" {
		if err := s.durableTier.Delete(keyRefreshToken); err != nil {
			s.logError(opClearRefreshToken, "delete_failed", err)
		}
		return
	}
	if err := s.durableTier.Set(keyRefreshToken, s.codec.Encode(token)); err != nil {
		s.logError(opSetRefreshToken, "write_failed", err)
	}
}

func (s *Store) logError(operation, reason string, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Warn("token store degraded", fields...)
}

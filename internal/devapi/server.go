// Package devapi is a self-contained implementation of the notes REST API backed by SQLite. It
// serves local development through the dev-server command and end-to-end tests of the client.
package devapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingSecret = errors.New("devapi: signing secret is required")

// ServerConfig describes a complete API instance.
type ServerConfig struct {
	DatabasePath  string
	SigningSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	BcryptCost    int
	Clock         func() time.Time
	Logger        *zap.Logger
	Hooks         Hooks
}

// Server owns the database and the HTTP handler built on it.
type Server struct {
	db       *gorm.DB
	handler  http.Handler
	Accounts *AccountService
	Notes    *NoteService
	Tokens   *TokenIssuer
}

// NewServer opens the database, migrates it and wires the services.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.SigningSecret == "" {
		return nil, errMissingSecret
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.DatabasePath
	if path == "" {
		path = ":memory:"
	}

	db, err := database.OpenSQLite(path, database.Options{Models: models(), Logger: logger})
	if err != nil {
		return nil, err
	}
	server, err := newServer(db, cfg, logger)
	if err != nil {
		closeDatabase(db)
		return nil, err
	}
	return server, nil
}

func newServer(db *gorm.DB, cfg ServerConfig, logger *zap.Logger) (*Server, error) {
	tokens, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		TokenTTL:      cfg.AccessTTL,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	accounts, err := NewAccountService(AccountServiceConfig{
		Database:   db,
		Clock:      cfg.Clock,
		RefreshTTL: cfg.RefreshTTL,
		BcryptCost: cfg.BcryptCost,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	notes, err := NewNoteService(NoteServiceConfig{Database: db, Clock: cfg.Clock, Logger: logger})
	if err != nil {
		return nil, err
	}
	handler, err := NewHTTPHandler(Dependencies{
		Accounts: accounts,
		Tokens:   tokens,
		Notes:    notes,
		Logger:   logger,
		Hooks:    cfg.Hooks,
	})
	if err != nil {
		return nil, err
	}
	return &Server{db: db, handler: handler, Accounts: accounts, Notes: notes, Tokens: tokens}, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close releases the database.
func (s *Server) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

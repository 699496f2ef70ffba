package devapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultRefreshTTL = 7 * 24 * time.Hour

	opAccountsNew   = "accounts.service.new"
	opSignup        = "accounts.signup"
	opAuthenticate  = "accounts.authenticate"
	opLookup        = "accounts.lookup"
	opIssueRefresh  = "accounts.issue_refresh"
	opRotateRefresh = "accounts.rotate_refresh"
	opRevokeRefresh = "accounts.revoke_refresh"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errEmailTaken         = errors.New("email already registered")
	errUsernameTaken      = errors.New("username already taken")
	errAccountNotFound    = errors.New("account not found")
	errInvalidRefresh     = errors.New("invalid refresh token")
	errRefreshReused      = errors.New("refresh token reuse detected")
	errRefreshExpired     = errors.New("refresh token expired")
)

type AccountServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	RefreshTTL time.Duration
	BcryptCost int
	Logger     *zap.Logger
}

// AccountService manages accounts and their rotating refresh tokens.
type AccountService struct {
	db         *gorm.DB
	now        func() time.Time
	refreshTTL time.Duration
	bcryptCost int
	logger     *zap.Logger
}

func NewAccountService(cfg AccountServiceConfig) (*AccountService, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opAccountsNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.RefreshTTL
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &AccountService{db: cfg.Database, now: clock, refreshTTL: ttl, bcryptCost: cost, logger: logger}, nil
}

// Signup registers a new account. Email comparison is case-insensitive.
func (s *AccountService) Signup(ctx context.Context, username, email, password string) (Account, error) {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return Account{}, newServiceError(opSignup, "hash_failed", err)
	}

	account := Account{Username: username, Email: email, PasswordHash: string(hash)}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Account{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return newServiceError(opSignup, "query_failed", err)
		}
		if count > 0 {
			return newServiceError(opSignup, "email_taken", errEmailTaken)
		}
		if err := tx.Model(&Account{}).Where("username = ?", username).Count(&count).Error; err != nil {
			return newServiceError(opSignup, "query_failed", err)
		}
		if count > 0 {
			return newServiceError(opSignup, "username_taken", errUsernameTaken)
		}
		if err := tx.Create(&account).Error; err != nil {
			return newServiceError(opSignup, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Account{}, txErr
	}
	return account, nil
}

// Authenticate checks email and password.
func (s *AccountService) Authenticate(ctx context.Context, email, password string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, newServiceError(opAuthenticate, "invalid_credentials", errInvalidCredentials)
	}
	if err != nil {
		s.logError(opAuthenticate, "query_failed", err)
		return Account{}, newServiceError(opAuthenticate, "query_failed", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Account{}, newServiceError(opAuthenticate, "invalid_credentials", errInvalidCredentials)
	}
	return account, nil
}

func (s *AccountService) Lookup(ctx context.Context, accountID int64) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, newServiceError(opLookup, "not_found", errAccountNotFound)
	}
	if err != nil {
		return Account{}, newServiceError(opLookup, "query_failed", err)
	}
	return account, nil
}

// IssueRefreshToken starts a new token family and returns the plaintext token.
func (s *AccountService) IssueRefreshToken(ctx context.Context, accountID int64) (string, error) {
	plain, err := s.insertRefreshToken(s.db.WithContext(ctx), accountID, uuid.NewString())
	if err != nil {
		s.logError(opIssueRefresh, "insert_failed", err, zap.Int64("account_id", accountID))
		return "", newServiceError(opIssueRefresh, "insert_failed", err)
	}
	return plain, nil
}

// RotateRefreshToken exchanges a live refresh token for a new one in the same family. Presenting a
// token that was already rotated revokes the whole family.
func (s *AccountService) RotateRefreshToken(ctx context.Context, presented string) (Account, string, error) {
	hash := hashRefreshToken(presented)
	now := s.now().UTC().Unix()

	var (
		account Account
		plain   string
		reused  bool
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored RefreshToken
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_hash = ?", hash).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRotateRefresh, "unknown_token", errInvalidRefresh)
		}
		if err != nil {
			return newServiceError(opRotateRefresh, "query_failed", err)
		}
		switch {
		case stored.RevokedAtSeconds > 0:
			return newServiceError(opRotateRefresh, "revoked", errInvalidRefresh)
		case stored.RotatedAtSeconds > 0:
			reused = true
			if err := tx.Model(&RefreshToken{}).
				Where("family_id = ? AND revoked_at_s = 0", stored.FamilyID).
				Update("revoked_at_s", now).Error; err != nil {
				return newServiceError(opRotateRefresh, "revoke_failed", err)
			}
			return nil
		case stored.ExpiresAtSeconds <= now:
			return newServiceError(opRotateRefresh, "expired", errRefreshExpired)
		}

		if err := tx.Model(&RefreshToken{}).
			Where("token_hash = ?", hash).
			Update("rotated_at_s", now).Error; err != nil {
			return newServiceError(opRotateRefresh, "rotate_failed", err)
		}
		if err := tx.Where("id = ?", stored.AccountID).Take(&account).Error; err != nil {
			return newServiceError(opRotateRefresh, "account_missing", err)
		}
		plain, err = s.insertRefreshToken(tx, stored.AccountID, stored.FamilyID)
		if err != nil {
			return newServiceError(opRotateRefresh, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Account{}, "", txErr
	}
	if reused {
		s.logger.Warn("refresh token reuse detected", zap.String("operation", opRotateRefresh))
		return Account{}, "", newServiceError(opRotateRefresh, "reused", errRefreshReused)
	}
	return account, plain, nil
}

// RevokeRefreshToken ends the family of the presented token. Unknown tokens are ignored.
func (s *AccountService) RevokeRefreshToken(ctx context.Context, presented string) error {
	if strings.TrimSpace(presented) == "" {
		return nil
	}
	now := s.now().UTC().Unix()
	var stored RefreshToken
	err := s.db.WithContext(ctx).Where("token_hash = ?", hashRefreshToken(presented)).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return newServiceError(opRevokeRefresh, "query_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&RefreshToken{}).
		Where("family_id = ? AND revoked_at_s = 0", stored.FamilyID).
		Update("revoked_at_s", now).Error; err != nil {
		s.logError(opRevokeRefresh, "revoke_failed", err)
		return newServiceError(opRevokeRefresh, "revoke_failed", err)
	}
	return nil
}

func (s *AccountService) insertRefreshToken(tx *gorm.DB, accountID int64, familyID string) (string, error) {
	plain := uuid.NewString()
	now := s.now().UTC()
	record := RefreshToken{
		TokenHash:        hashRefreshToken(plain),
		FamilyID:         familyID,
		AccountID:        accountID,
		IssuedAtSeconds:  now.Unix(),
		ExpiresAtSeconds: now.Add(s.refreshTTL).Unix(),
	}
	if err := tx.Create(&record).Error; err != nil {
		return "", err
	}
	return plain, nil
}

func (s *AccountService) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("accounts service error", attrs...)
}

func hashRefreshToken(plain string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(plain)))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// Package service contains the application services: owner authentication and the event engine.
package service

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/clock"
	pkgcrypto "github.com/and161185/gophcal/internal/crypto"
	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/limiter"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/repository"
)

// AuthService defines owner registration and login.
type AuthService interface {
	// Register creates a new owner with secure password hashing. timeZone may be empty (UTC).
	Register(ctx context.Context, username, password, timeZone string) (ownerID string, err error)
	// Login applies rate limiting by (username, peer) and authenticates the owner.
	Login(ctx context.Context, username, password, peer string) (tokens model.Tokens, owner model.Owner, err error)
	// Owner loads the owner behind a validated token subject.
	Owner(ctx context.Context, id uuid.UUID) (*model.Owner, error)
}

type AuthServiceImpl struct {
	owners    repository.OwnerRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
	clock     clock.Clock
	log       *zap.Logger
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(
	owners repository.OwnerRepository, signKey []byte, accessTTL time.Duration,
	lim limiter.Limiter, clk clock.Clock, log *zap.Logger,
) *AuthServiceImpl {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthServiceImpl{owners: owners, signKey: signKey, accessTTL: accessTTL, lim: lim, clock: clk, log: log}
}

// Register creates a new owner record with a per-owner salt.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password, timeZone string) (string, error) {
	if username == "" || password == "" {
		return "", errs.Validationf("empty username/password")
	}
	if timeZone == "" {
		timeZone = "UTC"
	}
	if _, err := civil.LoadZone(timeZone); err != nil {
		return "", errs.Validationf("time zone %q: %v", timeZone, err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	saltAuth, err := pkgcrypto.NewSalt()
	if err != nil {
		return "", err
	}

	o := &model.Owner{
		ID:        id,
		Username:  username,
		PwdHash:   pkgcrypto.HashPassword([]byte(password), saltAuth),
		SaltAuth:  saltAuth,
		TimeZone:  timeZone,
		CreatedAt: s.clock.Now(),
	}
	if err := s.owners.Create(ctx, o); err != nil {
		return "", err
	}
	s.log.Info("owner registered", zap.String("owner_id", id.String()), zap.String("time_zone", timeZone))
	return id.String(), nil
}

// Login authenticates with rate limiting by (username, peer).
func (s *AuthServiceImpl) Login(ctx context.Context, username, password, peer string) (model.Tokens, model.Owner, error) {
	peerHash := limiter.HashPeer(peer)

	allowed, _, err := s.lim.Allow(ctx, username, peerHash)
	if err != nil {
		return model.Tokens{}, model.Owner{}, err
	}
	if !allowed {
		return model.Tokens{}, model.Owner{}, errs.ErrRateLimited
	}

	o, err := s.owners.GetByUsername(ctx, username)
	if err != nil {
		pkgcrypto.Burn([]byte(password))
	}
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), o.SaltAuth, o.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, username, peerHash); ferr == nil && blocked {
			s.log.Warn("login blocked", zap.String("username", username))
			return model.Tokens{}, model.Owner{}, errs.ErrRateLimited
		}
		// unknown user and wrong password look the same
		return model.Tokens{}, model.Owner{}, errs.ErrUnauthorized
	}

	_ = s.lim.Success(ctx, username, peerHash)

	access, exp, err := s.issueAccessToken(o.ID)
	if err != nil {
		return model.Tokens{}, model.Owner{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *o, nil
}

// Owner loads an owner by ID.
func (s *AuthServiceImpl) Owner(ctx context.Context, id uuid.UUID) (*model.Owner, error) {
	if id == uuid.Nil {
		return nil, errs.ErrUnauthorized
	}
	return s.owners.GetByID(ctx, id)
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(ownerID uuid.UUID) (string, time.Time, error) {
	now := s.clock.Now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   ownerID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

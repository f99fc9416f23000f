package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a failed login or a bad token
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService handles user registration, authentication and KYC status
type AuthService struct {
	Store    db.Store
	secret   []byte
	tokenTTL time.Duration
}

// NewAuthService creates a new auth service signing tokens with secret
func NewAuthService(store db.Store, secret string, tokenTTL time.Duration) *AuthService {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthService{Store: store, secret: []byte(secret), tokenTTL: tokenTTL}
}

// RegisterRequest holds the fields of a new account
type RegisterRequest struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates a new user with hashed password. New users start with
// KYC pending and cannot trade until verified.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	// Validate input
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email cannot be empty", models.ErrInvalidArgument)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: malformed email", models.ErrInvalidArgument)
	}
	if len(email) > 255 {
		return nil, fmt.Errorf("%w: email too long (max 255 characters)", models.ErrInvalidArgument)
	}
	if req.Password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", models.ErrInvalidArgument)
	}
	// bcrypt only looks at the first 72 bytes
	if len(req.Password) > 72 {
		return nil, fmt.Errorf("%w: password too long (max 72 bytes)", models.ErrInvalidArgument)
	}
	if len(req.FirstName) > 100 || len(req.LastName) > 100 {
		return nil, fmt.Errorf("%w: name too long (max 100 characters)", models.ErrInvalidArgument)
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hashedPassword),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		KYCStatus:    models.KYCPending,
		IsActive:     true,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	err = s.Store.WithTx(ctx, func(tx db.Tx) error {
		if _, err := tx.UserByEmail(ctx, email); err == nil {
			return fmt.Errorf("%w: email %s already registered", models.ErrConflict, email)
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		return tx.CreateUser(ctx, user)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	user, err := s.FindByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, models.ErrNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return "", nil, fmt.Errorf("%w: account is deactivated", ErrInvalidCredentials)
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// IssueToken signs a token for user
func (s *AuthService) IssueToken(user *models.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID.String(),
		"email":   user.Email,
		"exp":     time.Now().Add(s.tokenTTL).Unix(),
	})
	return token.SignedString(s.secret)
}

// ParseToken validates a token and returns the user id it was issued for
func (s *AuthService) ParseToken(tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return uuid.Nil, ErrInvalidCredentials
	}
	raw, ok := claims["user_id"].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: missing user_id claim", ErrInvalidCredentials)
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed user_id claim", ErrInvalidCredentials)
	}
	return userID, nil
}

// Find returns the user with the given id
func (s *AuthService) Find(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user *models.User
	err := s.Store.WithTx(ctx, func(tx db.Tx) error {
		var err error
		user, err = tx.User(ctx, id)
		return err
	})
	return user, err
}

// FindByEmail returns the user registered under email
func (s *AuthService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user *models.User
	err := s.Store.WithTx(ctx, func(tx db.Tx) error {
		var err error
		user, err = tx.UserByEmail(ctx, email)
		return err
	})
	return user, err
}

// SetKYCStatus records the outcome of identity verification
func (s *AuthService) SetKYCStatus(ctx context.Context, userID uuid.UUID, status string) (*models.User, error) {
	switch status {
	case models.KYCPending, models.KYCVerified, models.KYCRejected:
	default:
		return nil, fmt.Errorf("%w: unknown kyc status %q", models.ErrInvalidArgument, status)
	}

	var user *models.User
	err := s.Store.WithTx(ctx, func(tx db.Tx) error {
		u, err := tx.User(ctx, userID)
		if err != nil {
			return err
		}
		u.KYCStatus = status
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		user = u
		return nil
	})
	return user, err
}

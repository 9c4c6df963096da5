package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"palaver/internal/content"
	"palaver/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	MinPasswordLength  = 8

	loginFailedMessage = "Invalid username or password"
)

var ErrUserExists = errors.New("user already exists")

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

type UserCredentials struct {
	models.Identity
	PasswordHash string
	// Counter for consecutive failed login attempts to throttle brute force.
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (uc *UserCredentials) ResetFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts = 0
	uc.LastAttemptTime = now.Unix()
}

func (uc *UserCredentials) IncrementFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts++
	uc.LastAttemptTime = now.Unix()
}

// CredentialsStore persists user credentials across restarts.
type CredentialsStore interface {
	UpsertCredentials(credentials UserCredentials) error
	ListCredentials() ([]UserCredentials, error)
}

type Config struct {
	TokenExpiry time.Duration
}

// AuthService verifies credentials and hands out opaque session tokens.
// Live tokens are process-lifetime only; a restart logs everyone out.
type AuthService struct {
	Config
	users      *geche.Locker[string, *UserCredentials]
	liveTokens geche.Geche[string, models.Identity]
	store      CredentialsStore
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store CredentialsStore) (*AuthService, error) {
	if config.TokenExpiry == 0 {
		config.TokenExpiry = DefaultTokenExpiry
	}

	as := &AuthService{
		Config:     config,
		users:      geche.NewLocker[string, *UserCredentials](geche.NewMapCache[string, *UserCredentials]()),
		liveTokens: geche.NewMapTTLCache[string, models.Identity](ctx, config.TokenExpiry, time.Minute),
		store:      store,
		now:        time.Now,
	}

	creds, err := store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	for _, c := range creds {
		tx.Set(c.Username, &c)
	}

	return as, nil
}

// Signup creates a new account and returns its identity.
func (as *AuthService) Signup(username, password string) (models.Identity, error) {
	if err := content.ValidateUsername(username); err != nil {
		return models.Identity{}, err
	}
	if len(password) < MinPasswordLength {
		return models.Identity{}, fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Identity{}, fmt.Errorf("failed to hash password: %w", err)
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(username); err == nil {
		return models.Identity{}, ErrUserExists
	}

	creds := &UserCredentials{
		Identity: models.Identity{
			UserID:   uuid.NewString(),
			Username: username,
		},
		PasswordHash: string(hash),
	}

	if err := as.store.UpsertCredentials(*creds); err != nil {
		return models.Identity{}, fmt.Errorf("failed to persist credentials: %w", err)
	}
	tx.Set(username, creds)

	return creds.Identity, nil
}

func (as *AuthService) Login(req LoginRequest) LoginResponse {
	now := as.now()
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(req.Username)
	if err != nil {
		return LoginResponse{Success: false, Message: loginFailedMessage}
	}

	// Quadratic backoff after repeated failures.
	if user.FailedLoginAttempts > 3 {
		nextAttempt := user.LastAttemptTime + 30*(user.FailedLoginAttempts*user.FailedLoginAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		user.IncrementFailedLoginAttempts(now)
		return LoginResponse{Success: false, Message: loginFailedMessage}
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.UserID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}
	}

	as.liveTokens.Set(token, user.Identity)
	user.ResetFailedLoginAttempts(now)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
	}
}

// Authenticate resolves a session token into the verified identity behind it.
func (as *AuthService) Authenticate(token string) (models.Identity, error) {
	identity, err := as.liveTokens.Get(token)
	if err != nil {
		return models.Identity{}, models.ErrNotFound
	}
	return identity, nil
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay/internal/content"
	"relay/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidToken = errors.New("invalid token")
)

type RegisterRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message,omitempty"`
	Token       string       `json:"token,omitempty"`
	TokenExpiry int64        `json:"tokenExpiry,omitempty"`
	User        *models.User `json:"user,omitempty"`
}

// UserCredentials is a user plus the secrets the relay never exposes.
type UserCredentials struct {
	models.User
	PasswordHash string `json:"passwordHash"`
}

// Store persists credentials and session token hashes. Raw tokens never
// touch the database.
type Store interface {
	UpsertCredentials(credentials UserCredentials) error
	ListCredentials() ([]UserCredentials, error)
	UpsertToken(tokenHash, userID string) error
	DeleteToken(tokenHash string) error
	ListTokens() (map[string]string, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// AuthService issues and verifies opaque session tokens. It is the only
// component the connection gateway consults before admitting a connection.
type AuthService struct {
	Config
	store Store
	users *geche.Locker[string, *UserCredentials]
	// liveTokens maps token hash -> userID with the configured TTL.
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store Store) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	as := &AuthService{
		Config:     config,
		store:      store,
		users:      geche.NewLocker[string, *UserCredentials](geche.NewMapCache[string, *UserCredentials]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}

	credentials, err := store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	tx := as.users.Lock()
	for i := range credentials {
		tx.Set(credentials[i].UserName, &credentials[i])
	}
	tx.Unlock()

	// Sessions survive restarts: the store keeps token hashes.
	tokens, err := store.ListTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	for hash, userID := range tokens {
		as.liveTokens.Set(hash, userID)
	}

	return as, nil
}

// Register creates a new active user. The password is hashed with bcrypt;
// display names are sanitized before they are stored.
func (as *AuthService) Register(req RegisterRequest) (models.User, error) {
	if err := content.ValidateUsername(req.Username); err != nil {
		return models.User{}, err
	}
	if req.Password == "" {
		return models.User{}, errors.New("password cannot be empty")
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(req.Username); err == nil {
		return models.User{}, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	displayName := content.Sanitize(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	creds := &UserCredentials{
		User: models.User{
			ID:          uuid.NewString(),
			UserName:    req.Username,
			DisplayName: displayName,
			Status:      models.UserStatusActive,
			Presence:    models.Presence{LastSeen: as.now().Unix()},
		},
		PasswordHash: string(hash),
	}

	if err := as.store.UpsertCredentials(*creds); err != nil {
		return models.User{}, fmt.Errorf("failed to persist user: %w", err)
	}
	tx.Set(req.Username, creds)

	return creds.User, nil
}

// Login verifies the password and issues a fresh session token. The second
// return value is the user ID on success, for callers that need it without
// parsing the response.
func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	tx := as.users.Lock()
	user, err := tx.Get(req.Username)
	tx.Unlock()
	if err != nil || user.Status != models.UserStatusActive {
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return LoginResponse{Success: false, Message: loginFailedMessage}, ""
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}, ""
	}

	hash := as.hashToken(token)
	as.liveTokens.Set(hash, user.ID)
	if err := as.store.UpsertToken(hash, user.ID); err != nil {
		slog.Error("failed to persist token", "user_id", user.ID, "error", err)
	}

	u := user.User
	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: as.now().Unix() + int64(as.TokenExpiry.Seconds()),
		User:        &u,
	}, user.ID
}

func (as *AuthService) Logoff(token string) error {
	hash := as.hashToken(token)
	if err := as.store.DeleteToken(hash); err != nil {
		slog.Error("failed to delete token", "error", err)
	}
	return as.liveTokens.Del(hash)
}

// VerifyToken maps a session token to a user ID. The gateway runs this
// before upgrading a websocket.
func (as *AuthService) VerifyToken(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := as.liveTokens.Get(as.hashToken(token))
	if err != nil {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (as *AuthService) hashToken(token string) string {
	h := hmac.New(sha256.New, as.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"relay/internal/auth"
	"relay/internal/config"
	"relay/internal/storage"
)

// AddUser bootstraps an account directly against the database, for
// operators standing up a fresh instance. The generated password is
// printed once and never stored in the clear.
func AddUser(username string, cfg *config.Config) error {
	st, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("failed to open database: %w. Is the server running?", err)
	}
	defer func() { _ = st.Close() }()

	secret := cfg.AuthSecret
	if secret == "" {
		// Registration never touches tokens, any secret will do here.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		secret = string(buf)
	}

	authService, err := auth.NewAuthService(context.Background(), auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(secret)),
		TokenExpiry: cfg.TokenExpiry,
	}, st)
	if err != nil {
		return err
	}

	pwBuf := make([]byte, 12)
	if _, err := rand.Read(pwBuf); err != nil {
		return err
	}
	password := base64.RawURLEncoding.EncodeToString(pwBuf)

	user, err := authService.Register(auth.RegisterRequest{
		Username: username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:          %s\n", user.UserName)
	fmt.Printf("Password:          %s\n\n", password)
	fmt.Println("Please share these credentials with the user and ask them to log in.")
	return nil
}

package app

import (
	"routing-hub/internal/auth"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/crypto"
)

func (app *App) initializeAuth() error {
	if !app.Config.AuthEnabled() {
		app.Logger.Warn("API authentication disabled (no JWT_SECRET provided)")
		return nil
	}

	var revoked auth.RevocationStore
	if app.RedisClient != nil {
		revoked = auth.NewRedisRevocations(app.RedisClient)
	}
	authInstance, err := auth.New(app.Config.JWTSecret, revoked)
	if err != nil {
		return err
	}
	app.Auth = authInstance
	app.Logger.Info("API authentication enabled", logging.Bool("revocation", revoked != nil))
	return nil
}

func (app *App) initializeEncryption() error {
	encryptionKey := app.Config.EncryptionKey
	if encryptionKey == "" {
		app.Logger.Info("Transport secret encryption disabled (no encryption key provided)")
		return nil
	}

	sealer, err := crypto.NewSealer(encryptionKey)
	if err != nil {
		return err
	}

	app.Sealer = sealer
	app.Logger.Info("Transport secret encryption enabled")
	return nil
}

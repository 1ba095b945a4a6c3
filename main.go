package main

import (
	"context"
	"fmt"
	"os"

	"cfauth/pkg/authtoken"
	"cfauth/pkg/captcha"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	cfg       *Config
	logger    *zap.Logger
	store     userStore
	issuer    *authtoken.Issuer
	validator *authtoken.Validator
	verifier  captcha.Verifier
)

func main() {
	var err error
	cfg, err = loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err = newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	keys, err := authtoken.LoadKeypairs(authtoken.KeyPaths{
		AccessPrivate:  cfg.Auth.Keys.AccessPrivate,
		AccessPublic:   cfg.Auth.Keys.AccessPublic,
		RefreshPrivate: cfg.Auth.Keys.RefreshPrivate,
		RefreshPublic:  cfg.Auth.Keys.RefreshPublic,
	})
	if err != nil {
		logger.Fatal("load signing keys", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := keys.Watch(ctx, logger); err != nil {
		logger.Warn("key rotation watcher unavailable", zap.Error(err))
	}
	issuer = authtoken.NewIssuer(keys, cfg.Auth.AccessTTL)
	validator = authtoken.NewValidator(keys)
	verifier = captcha.NewHCaptcha(cfg.Captcha.Secret)

	if err := initDB(cfg); err != nil {
		logger.Fatal("init db", zap.Error(err))
	}
	// Lightweight migrate command: `./cfauth migrate` runs AutoMigrate and
	// exits. Useful for CI or manual DB setup.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		logger.Info("migration completed")
		return
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	setupRoutes(r)

	logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
	if err := r.Run(cfg.Server.Addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

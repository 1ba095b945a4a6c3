package main

import (
	"fmt"

	"cfauth/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// initDB connects to Postgres and wires the gorm-backed user store.
func initDB(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("db.dsn is not set; this service requires a Postgres DSN in DB_DSN")
	}
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.DB.AutoMigrate {
		if err := db.AutoMigrate(&models.User{}); err != nil {
			logger.Sugar().Warnf("migration warning (users): %v", err)
		}
	}
	store = &gormStore{db: db}
	return nil
}

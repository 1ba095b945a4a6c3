// Command revoke_sessions bumps a user's token version, which invalidates
// every outstanding access and refresh token for that account at once. This
// is the only revocation path: the logout endpoint deliberately leaves issued
// tokens alone so other devices stay signed in.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"cfauth/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	username := flag.String("username", "", "username whose sessions to revoke")
	flag.Parse()
	if *username == "" {
		log.Fatal("--username is required")
	}

	dsn := os.Getenv("DB_DSN")
	if strings.TrimSpace(dsn) == "" {
		log.Fatal("DB_DSN not set in environment")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}

	var user models.User
	if err := db.Where("username = ?", *username).First(&user).Error; err != nil {
		log.Fatalf("user %s not found: %v", *username, err)
	}
	if err := db.Model(&user).
		UpdateColumn("token_version", gorm.Expr("token_version + 1")).Error; err != nil {
		log.Fatalf("failed to bump token version: %v", err)
	}
	fmt.Printf("revoked all sessions for %s (token version now %d)\n", *username, user.TokenVersion+1)
}

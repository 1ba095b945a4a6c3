package main

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config for the auth server. Everything can be set through the environment
// (SERVER_ADDR, DB_DSN, AUTH_ACCESS_TTL, ...) with sane dev defaults.
type Config struct {
	Server struct {
		Addr string
	}
	DB struct {
		DSN         string
		AutoMigrate bool `mapstructure:"auto_migrate"`
	}
	Auth struct {
		AccessTTL    time.Duration `mapstructure:"access_ttl"`
		SecureCookie bool          `mapstructure:"secure_cookie"`
		CookieDomain string        `mapstructure:"cookie_domain"`
		Keys         struct {
			AccessPrivate  string `mapstructure:"access_private"`
			AccessPublic   string `mapstructure:"access_public"`
			RefreshPrivate string `mapstructure:"refresh_private"`
			RefreshPublic  string `mapstructure:"refresh_public"`
		}
	}
	Captcha struct {
		Secret string
	}
	Avatar struct {
		Dir          string
		BaseURL      string `mapstructure:"base_url"`
		MaxImageSize int64  `mapstructure:"max_image_size"`
	}
	Log struct {
		Level  string
		Pretty bool
	}
}

func loadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.auto_migrate", true)

	v.SetDefault("auth.access_ttl", "20m")
	v.SetDefault("auth.secure_cookie", false)
	v.SetDefault("auth.cookie_domain", ".circlefight.com")
	v.SetDefault("auth.keys.access_private", "keys/a_rsa_pri.pem")
	v.SetDefault("auth.keys.access_public", "keys/a_rsa_pub.pem")
	v.SetDefault("auth.keys.refresh_private", "keys/r_rsa_pri.pem")
	v.SetDefault("auth.keys.refresh_public", "keys/r_rsa_pub.pem")

	v.SetDefault("captcha.secret", "")

	v.SetDefault("avatar.dir", "avatars")
	v.SetDefault("avatar.base_url", "/images")
	v.SetDefault("avatar.max_image_size", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

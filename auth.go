package main

import (
	"net/http"
	"strings"
	"time"

	"cfauth/models"

	"github.com/gin-gonic/gin"
)

// The refresh token travels only in this httpOnly SameSite=Lax cookie; the
// access token travels only in the Authorization header. The two never share
// a transport channel.
const refreshCookieName = "r"

const userContextKey = "user"

// requireAccess authenticates the request from the Authorization header:
// signature and expiry against the access public key, then version currency
// against the credential store. Read-only; any failure is a plain 401.
func requireAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			tokenRejects.WithLabelValues("missing").Inc()
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, err := validator.ParseAccess(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			tokenRejects.WithLabelValues("signature").Inc()
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		authorizeClaims(c, claims.Subject, claims.Version)
	}
}

// requireRefresh is the refresh-cookie variant: same checks, different key
// and transport.
func requireRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.Cookie(refreshCookieName)
		if err != nil || raw == "" {
			tokenRejects.WithLabelValues("missing").Inc()
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, err := validator.ParseRefresh(raw)
		if err != nil {
			tokenRejects.WithLabelValues("signature").Inc()
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		authorizeClaims(c, claims.Subject, claims.Version)
	}
}

func authorizeClaims(c *gin.Context, subject uint, version int) {
	user, err := store.FindByID(subject)
	if err != nil {
		tokenRejects.WithLabelValues("unknown_user").Inc()
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	// The signature was valid, but a version bump revokes every token
	// issued before it.
	if user.TokenVersion != version {
		tokenRejects.WithLabelValues("stale_version").Inc()
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*models.User)
	return u, ok
}

// setRefreshCookie issues the refresh cookie. With remember the expiry is so
// far out it simulates a permanent cookie; without it the cookie is
// session-scoped. The domain is only pinned in production (secure cookies).
func setRefreshCookie(c *gin.Context, token string, remember bool) {
	maxAge := 0
	if remember {
		maxAge = int(time.Until(time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)).Seconds())
	}
	domain := ""
	if cfg.Auth.SecureCookie {
		domain = cfg.Auth.CookieDomain
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(refreshCookieName, token, maxAge, "/", domain, cfg.Auth.SecureCookie, true)
}

func clearRefreshCookie(c *gin.Context) {
	domain := ""
	if cfg.Auth.SecureCookie {
		domain = cfg.Auth.CookieDomain
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(refreshCookieName, "", -1, "/", domain, cfg.Auth.SecureCookie, true)
}

package main

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"cfauth/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Validation and credential failures answer 200 with an error envelope
// instead of a non-2xx status. Unusual, but clients depend on the shape.
const (
	msgValidation    = "Your input didn't pass our server-side validation"
	msgCaptcha       = "There was an error with verifying your hCaptcha token"
	msgEmailTaken    = "That email has already been taken sadly"
	msgUsernameTaken = "That username has already been taken sadly"
	msgNoSuchUser    = "Sorry couldn't find a user with that username"
	msgWrongPassword = "Sorry but the password is incorrect"
	msgBadMultipart  = "Something went wrong with processing your input 😥"
	msgNotFound      = "Sorry could not find the resource."
)

func setupRoutes(r *gin.Engine) {
	r.GET("/", indexHandler)
	r.POST("/login", loginHandler)
	r.POST("/signup", signupHandler)
	r.GET("/logout", logoutHandler)
	r.POST("/refresh_token", requireRefresh(), refreshTokenHandler)

	authGroup := r.Group("")
	authGroup.Use(requireAccess())
	authGroup.GET("/account", accountHandler)
	authGroup.GET("/profile_layout", profileLayoutHandler)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"errors": gin.H{"msg": msgNotFound}})
	})
}

func respondErrMsg(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, gin.H{"errors": gin.H{"msg": msg}})
}

func respondInternal(c *gin.Context, err error) {
	logger.Error("internal error", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"errors": gin.H{"msg": err.Error()}})
}

func indexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, "success")
}

func validUsername(s string) bool { return len(s) >= 3 && len(s) <= 20 }
func validPassword(s string) bool { return len(s) >= 5 && len(s) <= 30 }

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// verifyCaptchaOrFail runs the external captcha check; any verifier error
// counts as a failed captcha, not an internal error.
func verifyCaptchaOrFail(c *gin.Context, token string) bool {
	ok, err := verifier.Verify(c.Request.Context(), token, c.ClientIP())
	if err != nil {
		logger.Warn("captcha verification error", zap.Error(err))
		return false
	}
	return ok
}

func loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Captcha  string `json:"captcha"`
		Remember bool   `json:"remember"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		loginTotal.WithLabelValues(outcomeInvalid).Inc()
		respondErrMsg(c, msgValidation)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if !validUsername(req.Username) || !validPassword(req.Password) {
		loginTotal.WithLabelValues(outcomeInvalid).Inc()
		respondErrMsg(c, msgValidation)
		return
	}
	if !verifyCaptchaOrFail(c, req.Captcha) {
		loginTotal.WithLabelValues(outcomeCaptcha).Inc()
		respondErrMsg(c, msgCaptcha)
		return
	}
	user, err := store.FindByUsername(req.Username)
	if err != nil {
		if errors.Is(err, errUserNotFound) {
			loginTotal.WithLabelValues(outcomeInvalid).Inc()
			respondErrMsg(c, msgNoSuchUser)
			return
		}
		loginTotal.WithLabelValues(outcomeError).Inc()
		respondInternal(c, err)
		return
	}
	if bcrypt.CompareHashAndPassword(user.HashedPassword, []byte(req.Password)) != nil {
		loginTotal.WithLabelValues(outcomeInvalid).Inc()
		respondErrMsg(c, msgWrongPassword)
		return
	}
	if err := initializeLogin(c, user, req.Remember); err != nil {
		loginTotal.WithLabelValues(outcomeError).Inc()
		respondInternal(c, err)
		return
	}
	loginTotal.WithLabelValues(outcomeOK).Inc()
	c.JSON(http.StatusOK, "success")
}

// initializeLogin mints the refresh token and sets it as the protected
// cookie. The access token is deliberately NOT part of the login response:
// the client fetches it via /refresh_token, so the long-lived credential is
// never exposed to script and the short-lived one never rides a cookie.
func initializeLogin(c *gin.Context, user *models.User, remember bool) error {
	refresh, err := issuer.IssueRefresh(user.ID, user.TokenVersion)
	if err != nil {
		return err
	}
	setRefreshCookie(c, refresh, remember)
	return nil
}

func signupHandler(c *gin.Context) {
	var req struct {
		Username string `form:"username"`
		Email    string `form:"email"`
		Password string `form:"password"`
		Captcha  string `form:"captcha"`
		Consent  bool   `form:"consent"`
		Remember bool   `form:"remember"`
		Width    int    `form:"width"`
		Height   int    `form:"height"`
		X        int    `form:"x"`
		Y        int    `form:"y"`
	}
	if err := c.ShouldBind(&req); err != nil {
		signupTotal.WithLabelValues(outcomeInvalid).Inc()
		respondErrMsg(c, msgBadMultipart)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if !validUsername(req.Username) || !validPassword(req.Password) || !validEmail(req.Email) || !req.Consent {
		signupTotal.WithLabelValues(outcomeInvalid).Inc()
		respondErrMsg(c, msgValidation)
		return
	}

	image, err := c.FormFile("image")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		signupTotal.WithLabelValues(outcomeInvalid).Inc()
		respondErrMsg(c, msgBadMultipart)
		return
	}
	hasImage := err == nil
	if hasImage {
		if image.Size > cfg.Avatar.MaxImageSize ||
			req.Width <= 0 || req.Height <= 0 || req.X < 0 || req.Y < 0 ||
			!supportedImage(image) {
			signupTotal.WithLabelValues(outcomeInvalid).Inc()
			respondErrMsg(c, msgValidation)
			return
		}
	}

	if !verifyCaptchaOrFail(c, req.Captcha) {
		signupTotal.WithLabelValues(outcomeCaptcha).Inc()
		respondErrMsg(c, msgCaptcha)
		return
	}
	if _, err := store.FindByEmail(req.Email); err == nil {
		signupTotal.WithLabelValues(outcomeConflict).Inc()
		respondErrMsg(c, msgEmailTaken)
		return
	}
	if _, err := store.FindByUsername(req.Username); err == nil {
		signupTotal.WithLabelValues(outcomeConflict).Inc()
		respondErrMsg(c, msgUsernameTaken)
		return
	}

	// Everything that can fail is resolved before any state mutates, so a
	// failed signup never leaves an orphaned record.
	var avatar []byte
	if hasImage {
		avatar, err = processAvatar(image, req.X, req.Y, req.Width, req.Height)
		if err != nil {
			signupTotal.WithLabelValues(outcomeInvalid).Inc()
			respondErrMsg(c, msgValidation)
			return
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		signupTotal.WithLabelValues(outcomeError).Inc()
		respondInternal(c, err)
		return
	}
	user := &models.User{Username: req.Username, Email: req.Email, HashedPassword: hash, Img: "default"}
	if err := store.Create(user); err != nil {
		if isUniqueConstraintError(err) { // race after the initial checks
			signupTotal.WithLabelValues(outcomeConflict).Inc()
			if strings.Contains(err.Error(), "email") {
				respondErrMsg(c, msgEmailTaken)
			} else {
				respondErrMsg(c, msgUsernameTaken)
			}
			return
		}
		signupTotal.WithLabelValues(outcomeError).Inc()
		respondInternal(c, err)
		return
	}

	if avatar != nil {
		name, err := saveAvatar(avatar)
		if err != nil {
			logger.Warn("avatar save failed", zap.Uint("user_id", user.ID), zap.Error(err))
		} else if err := store.SaveImg(user.ID, name); err != nil {
			logger.Warn("avatar link failed", zap.Uint("user_id", user.ID), zap.Error(err))
		}
	}

	if err := initializeLogin(c, user, req.Remember); err != nil {
		signupTotal.WithLabelValues(outcomeError).Inc()
		respondInternal(c, err)
		return
	}
	signupTotal.WithLabelValues(outcomeOK).Inc()
	c.JSON(http.StatusOK, "success")
}

// logoutHandler clears the refresh cookie and nothing else: it neither bumps
// the token version nor invalidates issued access tokens, so other devices
// stay logged in. Revocation goes through cmd/revoke_sessions.
func logoutHandler(c *gin.Context) {
	clearRefreshCookie(c)
	c.Status(http.StatusOK)
}

// refreshTokenHandler issues exactly one new access token. It never re-sends
// the refresh cookie: the refresh token carries no expiry, so there is no
// sliding window to maintain.
func refreshTokenHandler(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	access, err := issuer.IssueAccess(user.ID, user.TokenVersion)
	if err != nil {
		refreshTotal.WithLabelValues(outcomeError).Inc()
		respondInternal(c, err)
		return
	}
	refreshTotal.WithLabelValues(outcomeOK).Inc()
	c.JSON(http.StatusOK, access)
}

func accountHandler(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionLogoutTimes": user.TokenVersion,
		"email":              user.Email,
		"username":           user.Username,
		"image":              imageURL(user),
	})
}

func profileLayoutHandler(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"username": user.Username,
		"image":    imageURL(user),
	})
}

func imageURL(u *models.User) string {
	return strings.TrimRight(cfg.Avatar.BaseURL, "/") + "/" + u.Img
}

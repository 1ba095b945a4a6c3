package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cfauth/models"
	"cfauth/pkg/authtoken"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// memStore is an in-memory credential store for handler tests.
type memStore struct {
	mu    sync.Mutex
	seq   uint
	users map[uint]*models.User
}

func newMemStore() *memStore {
	return &memStore{users: make(map[uint]*models.User)}
}

func (s *memStore) FindByID(id uint) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) FindByUsername(username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, errUserNotFound
}

func (s *memStore) FindByEmail(email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, errUserNotFound
}

func (s *memStore) Create(u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("duplicate key value violates unique constraint \"uni_users_username\"")
		}
		if existing.Email == u.Email {
			return fmt.Errorf("duplicate key value violates unique constraint \"uni_users_email\"")
		}
	}
	s.seq++
	u.ID = s.seq
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memStore) SaveImg(id uint, img string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return errUserNotFound
	}
	u.Img = img
	return nil
}

func (s *memStore) BumpTokenVersion(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return errUserNotFound
	}
	u.TokenVersion++
	return nil
}

type stubCaptcha struct {
	ok bool
}

func (s *stubCaptcha) Verify(ctx context.Context, response, remoteIP string) (bool, error) {
	return s.ok && response != "", nil
}

func pemPair(t *testing.T) (priv, pub []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, pub
}

// setupTestServer wires the globals against an in-memory store, freshly
// generated keypairs and a captcha stub, then builds the router.
func setupTestServer(t *testing.T) (*gin.Engine, *memStore, *stubCaptcha) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg = &Config{}
	cfg.Server.Addr = ":0"
	cfg.Auth.AccessTTL = authtoken.DefaultAccessTTL
	cfg.Avatar.Dir = t.TempDir()
	cfg.Avatar.BaseURL = "/images"
	cfg.Avatar.MaxImageSize = 1 << 20
	logger = zap.NewNop()

	aPriv, aPub := pemPair(t)
	rPriv, rPub := pemPair(t)
	keys, err := authtoken.KeypairsFromPEM(aPriv, aPub, rPriv, rPub)
	require.NoError(t, err)
	issuer = authtoken.NewIssuer(keys, cfg.Auth.AccessTTL)
	validator = authtoken.NewValidator(keys)

	ms := newMemStore()
	store = ms
	stub := &stubCaptcha{ok: true}
	verifier = stub

	r := gin.New()
	setupRoutes(r)
	return r, ms, stub
}

func seedUser(t *testing.T, ms *memStore, username, email, password string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	require.NoError(t, err)
	u := &models.User{Username: username, Email: email, HashedPassword: hash, Img: "default"}
	require.NoError(t, ms.Create(u))
	return u
}

func doJSON(r http.Handler, method, path string, payload any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func doBearer(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == refreshCookieName {
			return ck
		}
	}
	t.Fatal("no refresh cookie in response")
	return nil
}

func errMsg(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Errors struct {
			Msg string `json:"msg"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Errors.Msg
}

func TestLoginSetsOnlyRefreshCookie(t *testing.T) {
	r, ms, _ := setupTestServer(t)
	seedUser(t, ms, "alice", "alice@example.com", "hunter22")

	rec := doJSON(r, http.MethodPost, "/login", gin.H{
		"username": "alice", "password": "hunter22", "captcha": "tok", "remember": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"success"`, rec.Body.String())

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1, "login must set exactly the refresh cookie, never an access-token cookie")
	ck := cookies[0]
	assert.Equal(t, refreshCookieName, ck.Name)
	assert.True(t, ck.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, ck.SameSite)
	assert.Greater(t, ck.MaxAge, 0, "remember=true gets a far-future cookie")

	claims, err := validator.ParseRefresh(ck.Value)
	require.NoError(t, err)
	assert.Equal(t, 0, claims.Version)

	// Refresh tokens never verify as access tokens.
	_, err = validator.ParseAccess(ck.Value)
	assert.Error(t, err)
}

func TestLoginWithoutRememberIsSessionScoped(t *testing.T) {
	r, ms, _ := setupTestServer(t)
	seedUser(t, ms, "alice", "alice@example.com", "hunter22")

	rec := doJSON(r, http.MethodPost, "/login", gin.H{
		"username": "alice", "password": "hunter22", "captcha": "tok", "remember": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, refreshCookie(t, rec).MaxAge)
}

func TestLoginFailureShapes(t *testing.T) {
	r, ms, stub := setupTestServer(t)
	seedUser(t, ms, "alice", "alice@example.com", "hunter22")

	// Failures use the 200 + error-envelope convention, not 4xx.
	rec := doJSON(r, http.MethodPost, "/login", gin.H{"username": "al", "password": "hunter22", "captcha": "tok"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, msgValidation, errMsg(t, rec))

	rec = doJSON(r, http.MethodPost, "/login", gin.H{"username": "nobody", "password": "hunter22", "captcha": "tok"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, msgNoSuchUser, errMsg(t, rec))

	rec = doJSON(r, http.MethodPost, "/login", gin.H{"username": "alice", "password": "wrongpw", "captcha": "tok"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, msgWrongPassword, errMsg(t, rec))

	stub.ok = false
	rec = doJSON(r, http.MethodPost, "/login", gin.H{"username": "alice", "password": "hunter22", "captcha": "tok"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, msgCaptcha, errMsg(t, rec))

	assert.Empty(t, rec.Result().Cookies(), "failed login must not set cookies")
}

func TestRefreshAndVersionRevocation(t *testing.T) {
	r, ms, _ := setupTestServer(t)
	user := seedUser(t, ms, "alice", "alice@example.com", "hunter22")

	login := doJSON(r, http.MethodPost, "/login", gin.H{
		"username": "alice", "password": "hunter22", "captcha": "tok", "remember": true,
	})
	require.Equal(t, http.StatusOK, login.Code)
	ck := refreshCookie(t, login)

	// Refresh yields exactly one new access token and no cookie.
	rec := doJSON(r, http.MethodPost, "/refresh_token", nil, ck)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies(), "refresh must never re-issue the refresh cookie")
	var access string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &access))
	claims, err := validator.ParseAccess(access)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, 0, claims.Version)

	// The access token works against protected endpoints.
	acct := doBearer(r, http.MethodGet, "/account", access)
	require.Equal(t, http.StatusOK, acct.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(acct.Body.Bytes(), &body))
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "alice@example.com", body["email"])
	assert.Equal(t, float64(0), body["sessionLogoutTimes"])
	assert.Equal(t, "/images/default", body["image"])

	layout := doBearer(r, http.MethodGet, "/profile_layout", access)
	require.Equal(t, http.StatusOK, layout.Code)

	// External revocation: bump the version. Both outstanding tokens die
	// even though their signatures are still valid and nothing expired.
	require.NoError(t, ms.BumpTokenVersion(user.ID))
	rec = doJSON(r, http.MethodPost, "/refresh_token", nil, ck)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	acct = doBearer(r, http.MethodGet, "/account", access)
	assert.Equal(t, http.StatusUnauthorized, acct.Code)
}

func TestRefreshRejectsBadCredentials(t *testing.T) {
	r, ms, _ := setupTestServer(t)
	user := seedUser(t, ms, "alice", "alice@example.com", "hunter22")

	// No cookie at all.
	rec := doJSON(r, http.MethodPost, "/refresh_token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage cookie.
	rec = doJSON(r, http.MethodPost, "/refresh_token", nil, &http.Cookie{Name: refreshCookieName, Value: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// An access token smuggled into the refresh cookie: wrong key class.
	access, err := issuer.IssueAccess(user.ID, user.TokenVersion)
	require.NoError(t, err)
	rec = doJSON(r, http.MethodPost, "/refresh_token", nil, &http.Cookie{Name: refreshCookieName, Value: access})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A refresh token in the Authorization header fails the same way.
	refresh, err := issuer.IssueRefresh(user.ID, user.TokenVersion)
	require.NoError(t, err)
	acct := doBearer(r, http.MethodGet, "/account", refresh)
	assert.Equal(t, http.StatusUnauthorized, acct.Code)
}

func signupForm(t *testing.T, fields map[string]string, withImage bool) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if withImage {
		fw, err := w.CreateFormFile("image", "avatar.png")
		require.NoError(t, err)
		img := image.NewRGBA(image.Rect(0, 0, 50, 50))
		for y := 0; y < 50; y++ {
			for x := 0; x < 50; x++ {
				img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 5), B: 128, A: 255})
			}
		}
		require.NoError(t, png.Encode(fw, img))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestSignupHappyPathWithAvatar(t *testing.T) {
	r, ms, _ := setupTestServer(t)

	body, contentType := signupForm(t, map[string]string{
		"username": "bob",
		"email":    "Bob@Example.com",
		"password": "secret5",
		"captcha":  "tok",
		"consent":  "true",
		"remember": "true",
		"x":        "10", "y": "10", "width": "30", "height": "30",
	}, true)

	req, _ := http.NewRequest(http.MethodPost, "/signup", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"success"`, rec.Body.String())
	refreshCookie(t, rec)

	user, err := ms.FindByUsername("bob")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", user.Email, "email is normalized to lowercase")
	assert.Equal(t, 0, user.TokenVersion)
	assert.NoError(t, bcrypt.CompareHashAndPassword(user.HashedPassword, []byte("secret5")))
	require.NotEqual(t, "default", user.Img)

	// The stored avatar is the cropped, normalized JPEG.
	data, err := os.ReadFile(filepath.Join(cfg.Avatar.Dir, user.Img+".jpg"))
	require.NoError(t, err)
	decoded, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, avatarSize, decoded.Bounds().Dx())
	assert.Equal(t, avatarSize, decoded.Bounds().Dy())
}

func TestSignupWithoutImage(t *testing.T) {
	r, ms, _ := setupTestServer(t)

	body, contentType := signupForm(t, map[string]string{
		"username": "carol",
		"email":    "carol@example.com",
		"password": "secret5",
		"captcha":  "tok",
		"consent":  "true",
	}, false)
	req, _ := http.NewRequest(http.MethodPost, "/signup", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"success"`, rec.Body.String())
	user, err := ms.FindByUsername("carol")
	require.NoError(t, err)
	assert.Equal(t, "default", user.Img)
}

func TestSignupValidationAndConflicts(t *testing.T) {
	r, ms, _ := setupTestServer(t)
	seedUser(t, ms, "taken", "taken@example.com", "hunter22")

	base := map[string]string{
		"username": "newuser",
		"email":    "new@example.com",
		"password": "secret5",
		"captcha":  "tok",
		"consent":  "true",
	}
	post := func(overrides map[string]string) *httptest.ResponseRecorder {
		fields := map[string]string{}
		for k, v := range base {
			fields[k] = v
		}
		for k, v := range overrides {
			fields[k] = v
		}
		body, contentType := signupForm(t, fields, false)
		req, _ := http.NewRequest(http.MethodPost, "/signup", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	cases := []struct {
		name      string
		overrides map[string]string
		msg       string
	}{
		{"missing consent", map[string]string{"consent": "false"}, msgValidation},
		{"short password", map[string]string{"password": "abc"}, msgValidation},
		{"bad email", map[string]string{"email": "not-an-email"}, msgValidation},
		{"email taken", map[string]string{"email": "taken@example.com"}, msgEmailTaken},
		{"username taken", map[string]string{"username": "taken"}, msgUsernameTaken},
	}
	for _, tc := range cases {
		rec := post(tc.overrides)
		require.Equal(t, http.StatusOK, rec.Code, tc.name)
		assert.Equal(t, tc.msg, errMsg(t, rec), tc.name)
		assert.Empty(t, rec.Result().Cookies(), tc.name)
	}

	// Nothing was created along the way.
	_, err := ms.FindByUsername("newuser")
	assert.ErrorIs(t, err, errUserNotFound)
}

func TestLogoutClearsCookieOnly(t *testing.T) {
	r, ms, _ := setupTestServer(t)
	user := seedUser(t, ms, "alice", "alice@example.com", "hunter22")

	rec := doJSON(r, http.MethodGet, "/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ck := refreshCookie(t, rec)
	assert.Empty(t, ck.Value)
	assert.Less(t, ck.MaxAge, 0)

	// Logout never bumps the version; issued tokens stay valid by design.
	got, err := ms.FindByID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TokenVersion)
}

func TestIndexAndNotFound(t *testing.T) {
	r, _, _ := setupTestServer(t)

	rec := doJSON(r, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"success"`, rec.Body.String())

	rec = doJSON(r, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, msgNotFound, errMsg(t, rec))
}

package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	var gotSecret, gotResponse, gotIP string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotSecret = r.PostFormValue("secret")
		gotResponse = r.PostFormValue("response")
		gotIP = r.PostFormValue("remoteip")
		w.Header().Set("Content-Type", "application/json")
		if gotResponse == "good-token" {
			w.Write([]byte(`{"success":true}`))
		} else {
			w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
		}
	}))
	defer srv.Close()

	v := NewHCaptcha("s3cret", WithVerifyURL(srv.URL))

	ok, err := v.Verify(context.Background(), "good-token", "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, "good-token", gotResponse)
	assert.Equal(t, "203.0.113.9", gotIP)

	ok, err = v.Verify(context.Background(), "bad-token", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyEmptyTokenShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("verifier must not be called for an empty token")
	}))
	defer srv.Close()

	v := NewHCaptcha("s3cret", WithVerifyURL(srv.URL))
	ok, err := v.Verify(context.Background(), "", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	v := NewHCaptcha("s3cret", WithVerifyURL(srv.URL))
	_, err := v.Verify(context.Background(), "token", "")
	assert.Error(t, err)
}

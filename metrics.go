package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Auth outcome counters. Labels use coarse outcomes only, no user data.
var (
	loginTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cfauth_login_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	signupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cfauth_signup_total",
		Help: "Signup attempts by outcome.",
	}, []string{"outcome"})

	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cfauth_refresh_total",
		Help: "Access-token refreshes by outcome.",
	}, []string{"outcome"})

	tokenRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cfauth_token_rejects_total",
		Help: "Token validation failures by reason.",
	}, []string{"reason"})
)

const (
	outcomeOK       = "ok"
	outcomeInvalid  = "invalid"
	outcomeCaptcha  = "captcha"
	outcomeConflict = "conflict"
	outcomeError    = "error"
)

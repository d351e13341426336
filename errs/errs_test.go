package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorFormattingIncludesTaxonomyFields(t *testing.T) {
	err := New(
		"whitebit",
		CodeExchangeRejected,
		WithHTTP(400),
		WithMessage("order rejected"),
		WithRawCode("31"),
		WithRawMessage("insufficient balance"),
		WithCanonicalCode(CanonicalInsufficientBalance),
		WithEndpoint("/api/v4/order/new"),
		WithCause(errors.New("whitebit http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "venue=whitebit") {
		t.Fatalf("expected venue marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=exchange_rejected") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=insufficient_balance") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	if !strings.Contains(out, "endpoint=/api/v4/order/new") {
		t.Fatalf("expected endpoint in error string: %s", out)
	}
	if !strings.Contains(out, "raw_msg=\"insufficient balance\"") {
		t.Fatalf("expected raw venue message preserved verbatim: %s", out)
	}
	if !strings.Contains(out, "cause=\"whitebit http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestRetryableByCategory(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeTransport, true},
		{CodeRateLimited, true},
		{CodeExchangeRejected, false},
		{CodeAuthConfig, false},
		{CodeInvalid, false},
		{CodeNotFound, false},
	}
	for _, tc := range cases {
		err := New("whitebit", tc.code)
		if got := Retryable(err); got != tc.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
	if Retryable(errors.New("plain")) {
		t.Fatal("untyped errors must not be retryable")
	}
}

func TestRetryableUnwrapsCause(t *testing.T) {
	inner := New("whitebit", CodeRateLimited, WithRetryAfter(2*time.Second))
	wrapped := fmt.Errorf("submit order: %w", inner)
	if !Retryable(wrapped) {
		t.Fatal("expected wrapped rate-limit error to stay retryable")
	}
	if CodeOf(wrapped) != CodeRateLimited {
		t.Fatalf("CodeOf(wrapped) = %q", CodeOf(wrapped))
	}
}

func TestIsNotFoundMatchesCanonicalCode(t *testing.T) {
	err := New("whitebit", CodeExchangeRejected, WithCanonicalCode(CanonicalOrderNotFound))
	if !IsNotFound(err) {
		t.Fatal("expected canonical order_not_found to register as not found")
	}
	if IsNotFound(New("whitebit", CodeExchangeRejected)) {
		t.Fatal("plain rejection must not register as not found")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

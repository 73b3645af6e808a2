package token

import (
	"testing"
	"time"

	"github.com/lazyaf/engine/internal/lazyerr"
)

func TestSigner_MintAndVerify_RoundTrips(t *testing.T) {
	s := NewSigner([]byte("test-secret"))
	now := time.Unix(1700000000, 0)

	raw, err := s.Mint("exec-1", now)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(raw, "exec-1"); err != nil {
		t.Fatalf("expected token to verify, got %v", err)
	}
}

func TestSigner_Verify_RejectsWrongStep(t *testing.T) {
	s := NewSigner([]byte("test-secret"))
	raw, err := s.Mint("exec-1", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	err = s.Verify(raw, "exec-2")
	if !lazyerr.Is(err, lazyerr.KindForbidden) {
		t.Fatalf("expected KindForbidden, got %v", err)
	}
}

func TestSigner_Verify_RejectsExpired(t *testing.T) {
	s := NewSigner([]byte("test-secret"))
	// jwt validates exp against real wall-clock time, so to exercise expiry
	// deterministically we mint a token already 48h in the past.
	raw, err := s.Mint("exec-1", time.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(raw, "exec-1"); !lazyerr.Is(err, lazyerr.KindUnauthorized) {
		t.Fatalf("expected KindUnauthorized for expired token, got %v", err)
	}
}

func TestSigner_Verify_RejectsWrongSecret(t *testing.T) {
	s1 := NewSigner([]byte("secret-one"))
	s2 := NewSigner([]byte("secret-two"))

	raw, err := s1.Mint("exec-1", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Verify(raw, "exec-1"); !lazyerr.Is(err, lazyerr.KindUnauthorized) {
		t.Fatalf("expected KindUnauthorized for wrong secret, got %v", err)
	}
}

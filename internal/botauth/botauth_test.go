package botauth

import (
	"strings"
	"testing"
	"time"
)

func TestMint_ProducesHiddenSubscribeOnlyIdentity(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Minute)

	token, identity, err := issuer.Mint("room1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !strings.HasPrefix(identity, botIdentityPrefix) {
		t.Fatalf("expected identity to carry the bot prefix, got %q", identity)
	}
	if token == "" {
		t.Fatalf("expected a non-empty token")
	}

	claims, err := issuer.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !claims.Hidden {
		t.Fatalf("expected claims.Hidden to be true")
	}
	if !claims.SubscribeOnly {
		t.Fatalf("expected claims.SubscribeOnly to be true")
	}
	if claims.RoomID != "room1" {
		t.Fatalf("expected RoomID room1, got %q", claims.RoomID)
	}
	if claims.Identity != identity {
		t.Fatalf("expected claims identity to match minted identity")
	}
}

func TestValidate_RejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer("secret-a", time.Minute)
	token, _, err := issuer.Mint("room1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	other := NewIssuer("secret-b", time.Minute)
	if _, err := other.Validate(token); err == nil {
		t.Fatalf("expected validation to fail with a mismatched secret")
	}
}

func TestValidate_RejectsExpiredToken(t *testing.T) {
	issuer := NewIssuer("test-secret", -time.Second)
	token, _, err := issuer.Mint("room1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := issuer.Validate(token); err == nil {
		t.Fatalf("expected validation to fail for an already-expired token")
	}
}

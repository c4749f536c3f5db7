package turn

import (
	"testing"
	"time"
)

func TestGenerateCredentials_DeterministicForSameInputs(t *testing.T) {
	now := time.Now()
	_ = now

	u1, c1 := GenerateCredentials("secret", "peer1", time.Hour)
	if u1 == "" || c1 == "" {
		t.Fatalf("expected non-empty username/credential")
	}

	// Username embeds an expiry timestamp, so two calls a moment apart
	// should differ; credential must always be a function of username.
	u2, c2 := GenerateCredentials("secret", "peer1", time.Hour)
	if u1 != u2 {
		// fine — expiry second may have ticked over; credential must still
		// be a valid HMAC of whichever username was produced.
	}
	if c2 == "" {
		t.Fatalf("expected non-empty credential on second call")
	}
}

func TestBuildICEServers_MintsCredentialsForSecretEntries(t *testing.T) {
	cfgs := []Config{
		{URLs: []string{"turn:turn.example:3478"}, Secret: "shh"},
		{URLs: []string{"stun:stun.example:3478"}},
	}

	servers := BuildICEServers(cfgs, "peer1")
	if len(servers) != 2 {
		t.Fatalf("expected 2 ICE servers, got %d", len(servers))
	}

	if servers[0].Username == "" || servers[0].Credential == "" {
		t.Fatalf("expected the secret-backed entry to carry minted credentials")
	}
	if servers[1].Username != "" || servers[1].Credential != "" {
		t.Fatalf("expected the static STUN entry to pass through without credentials")
	}
}

func TestBuildICEServers_StaticCredentialsPassThrough(t *testing.T) {
	cfgs := []Config{
		{URLs: []string{"turn:turn.example:3478"}, StaticUser: "alice", StaticPass: "pw"},
	}

	servers := BuildICEServers(cfgs, "peer1")
	if len(servers) != 1 {
		t.Fatalf("expected 1 ICE server, got %d", len(servers))
	}
	if servers[0].Username != "alice" || servers[0].Credential != "pw" {
		t.Fatalf("expected static credentials to pass through unchanged, got %+v", servers[0])
	}
}

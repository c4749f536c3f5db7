// Package turn mints short-lived TURN REST credentials and assembles the
// ICE server list a peer's PeerConnection is configured with. In this
// topology TURN only relieves same-segment client isolation on restrictive
// Wi-Fi APs (spec §1 Non-goals: no WAN NAT traversal is in scope) — the
// credential scheme itself is the standard TURN REST API time-limited HMAC
// mechanism.
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// Config describes a single configured TURN/STUN server and the shared
// secret used to mint time-limited credentials for it (turnserver's
// use-auth-secret scheme).
type Config struct {
	URLs       []string
	Secret     string
	StaticUser string // optional static username (STUN-only or fallback entries)
	StaticPass string
}

// ServerInfo is the wire-ready ICE server descriptor handed to a peer.
type ServerInfo struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// GenerateCredentials mints a username/credential pair valid for ttl,
// scoped to peerID, using the TURN REST time-limited HMAC-SHA1 scheme:
// username = "<expiry-unix>:<peerID>", credential = base64(HMAC-SHA1(secret, username)).
func GenerateCredentials(secret, peerID string, ttl time.Duration) (username, credential string) {
	expiry := time.Now().Add(ttl).Unix()
	username = fmt.Sprintf("%d:%s", expiry, peerID)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential
}

// defaultTTL bounds how long a minted TURN credential remains valid before
// the peer must request a fresh one.
const defaultTTL = 6 * time.Hour

// BuildICEServers assembles the ICE server list for peerID from cfgs,
// minting fresh time-limited credentials for any entry that carries a
// shared secret and passing static entries through unchanged.
func BuildICEServers(cfgs []Config, peerID string) []ServerInfo {
	servers := make([]ServerInfo, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Secret != "" {
			username, credential := GenerateCredentials(cfg.Secret, peerID, defaultTTL)
			servers = append(servers, ServerInfo{
				URLs:       cfg.URLs,
				Username:   username,
				Credential: credential,
			})
			continue
		}
		servers = append(servers, ServerInfo{
			URLs:       cfg.URLs,
			Username:   cfg.StaticUser,
			Credential: cfg.StaticPass,
		})
	}
	return servers
}

// Package platform verifies that a client really owns the in-game
// player it claims, against the game vendor's session service.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// SessionVerifier answers whether a platform session claim is genuine.
type SessionVerifier interface {
	// Verify checks the claimed player name against the platform id.
	Verify(ctx context.Context, name string, id uuid.UUID) bool
	// Name identifies the verifier in logs and configuration.
	Name() string
}

// NoneVerifier trusts every claim outright. Meant for development and
// offline servers, mirroring the "no external verification" mode.
type NoneVerifier struct{}

func (NoneVerifier) Verify(context.Context, string, uuid.UUID) bool { return true }
func (NoneVerifier) Name() string                                   { return "none" }

const mojangSessionURL = "https://sessionserver.mojang.com/session/minecraft/profile/"

// MojangVerifier resolves the player id against Mojang's session server
// and checks the registered name matches the claim.
type MojangVerifier struct {
	Base string
	HTTP *http.Client
}

// NewMojangVerifier uses the public session server endpoint.
func NewMojangVerifier() *MojangVerifier {
	return &MojangVerifier{
		Base: mojangSessionURL,
		HTTP: &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *MojangVerifier) Name() string { return "mojang" }

func (v *MojangVerifier) Verify(ctx context.Context, name string, id uuid.UUID) bool {
	if name == "" {
		return false
	}
	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := v.getJSON(ctx, v.Base+trimDashes(id), &out); err != nil {
		return false
	}
	return out.Name == name
}

func (v *MojangVerifier) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("session lookup %s: %s", rawURL, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// trimDashes renders the uuid the way the session server expects.
func trimDashes(id uuid.UUID) string {
	s := id.String()
	var b []byte
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			b = append(b, s[i])
		}
	}
	return url.PathEscape(string(b))
}

var (
	_ SessionVerifier = NoneVerifier{}
	_ SessionVerifier = (*MojangVerifier)(nil)
)

// Package steam implements logging in through Steam's OpenID 2.0 endpoint.
//
// Steam speaks plain OpenID 2.0 in identifier-select mode: the user agent is
// sent to the community login page, comes back with a signed assertion naming
// a steamcommunity.com identity URL, and the assertion is confirmed through
// check_authentication. Profile data comes from the separate Steam Web API,
// which needs an API key.
package steam

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brassworks/manifold/internal/connector"
	"github.com/brassworks/manifold/internal/openid"
)

const (
	defaultLoginURL = "https://steamcommunity.com/openid/login"
	defaultAPIBase  = "https://api.steampowered.com"

	playerSummariesPath = "/ISteamUser/GetPlayerSummaries/v0002/"
)

// claimedID captures the SteamID64 from the identity URLs Steam asserts.
// Anything else — including a valid signature over a foreign URL — is not a
// Steam identity and is rejected.
var claimedID = regexp.MustCompile(`^https?://steamcommunity\.com/openid/id/(\d+)$`)

// Config holds configuration options for Steam logins.
type Config struct {
	// APIKey is the Steam Web API key used for profile lookups. Required.
	APIKey string `json:"apiKey"`

	// LoginURL overrides the provider's login/verification endpoint.
	// Defaults to the public Steam community endpoint; tests point it at a
	// stub.
	LoginURL string `json:"loginURL"`

	// APIBase overrides the Steam Web API base URL. Defaults to the public
	// API; tests point it at a stub.
	APIBase string `json:"apiBase"`
}

// Open returns a connector which logs users in through Steam. It fails with
// connector.ErrMissingCredential when the API key is empty; no network
// activity happens here.
func (c *Config) Open(logger logrus.FieldLogger) (connector.Connector, error) {
	if c.APIKey == "" {
		return nil, connector.ErrMissingCredential
	}

	loginURL := c.LoginURL
	if loginURL == "" {
		loginURL = defaultLoginURL
	}
	apiBase := c.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	// Bounded timeout on both outbound calls; expiry surfaces as the same
	// transport/profile errors as any other IO failure.
	hc := &http.Client{Timeout: 10 * time.Second}

	return &SteamConnector{
		apiKey:   c.APIKey,
		loginURL: loginURL,
		apiBase:  apiBase,
		verifier: openid.NewVerifier(loginURL, claimedID, hc, logger),
		hc:       hc,
		logger:   logger,
	}, nil
}

var _ connector.Connector = (*SteamConnector)(nil)

// SteamConnector bridges Steam's OpenID 2.0 login into the connector
// contract. One instance serves any number of concurrent login attempts;
// every attempt carries its own callback URL and result.
type SteamConnector struct {
	apiKey   string
	loginURL string
	apiBase  string
	verifier *openid.Verifier
	hc       *http.Client
	logger   logrus.FieldLogger
}

// Authorization builds the identifier-select redirect to the Steam login
// page. It never fails; malformed returnTo/realm values are a configuration
// problem caught at startup.
func (c *SteamConnector) Authorization(returnTo, realm string) (string, error) {
	return openid.NewAuthorizationRequest(c.loginURL, returnTo, realm).URL(), nil
}

// Token runs the check_authentication round trip for the callback URL and
// wraps the confirmed SteamID in a TokenSet. The session and access values
// are uniqueness-only identifiers, not credentials.
func (c *SteamConnector) Token(ctx context.Context, callbackURL string) (*connector.TokenSet, error) {
	id, err := c.verifier.Verify(ctx, callbackURL)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, connector.ErrUnauthenticated
	}

	return &connector.TokenSet{
		SessionID:   uuid.New().String(),
		AccessToken: uuid.New().String(),
		ProviderID:  id,
	}, nil
}

// playerSummary is the subset of the GetPlayerSummaries player object this
// connector maps. See
// https://developer.valvesoftware.com/wiki/Steam_Web_API#GetPlayerSummaries_.28v0002.29
type playerSummary struct {
	SteamID                  string `json:"steamid"`
	PersonaName              string `json:"personaname"`
	AvatarFull               string `json:"avatarfull"`
	PersonaState             int    `json:"personastate"`
	CommunityVisibilityState int    `json:"communityvisibilitystate"`
	TimeCreated              int64  `json:"timecreated"`
}

// UserInfo fetches the player summary for the verified SteamID and maps it to
// a normalized identity.
func (c *SteamConnector) UserInfo(ctx context.Context, ts *connector.TokenSet) (*connector.Identity, error) {
	q := url.Values{
		"key":      []string{c.apiKey},
		"steamids": []string{ts.ProviderID},
	}

	req, err := http.NewRequest("GET", c.apiBase+playerSummariesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &connector.ProfileError{Cause: errors.Wrap(err, "building player summary request")}
	}
	req = req.WithContext(ctx)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &connector.ProfileError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &connector.ProfileError{Cause: errors.Errorf("player summary request returned %s", resp.Status)}
	}

	var body struct {
		Response struct {
			Players []playerSummary `json:"players"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &connector.ProfileError{Cause: errors.Wrap(err, "decoding player summary response")}
	}

	if len(body.Response.Players) == 0 {
		return nil, &connector.ProfileError{Cause: errors.Errorf("no player summary for %s", ts.ProviderID)}
	}

	return mapPlayer(&body.Response.Players[0]), nil
}

// mapPlayer normalizes a Steam player summary into the identity record the
// surrounding framework consumes.
func mapPlayer(p *playerSummary) *connector.Identity {
	return &connector.Identity{
		ID:          p.SteamID,
		DisplayName: p.PersonaName,
		AvatarURL:   p.AvatarFull,
		Presence:    p.PersonaState,
		Visibility:  p.CommunityVisibilityState,
		CreatedAt:   time.Unix(p.TimeCreated, 0).UTC(),
	}
}

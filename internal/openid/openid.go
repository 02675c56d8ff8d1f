// Package openid implements the relying-party half of the OpenID 2.0
// checkid_setup flow in identifier-select mode: building the authorization
// redirect, and verifying returned assertions through the provider's
// stateless check_authentication mode.
//
// Only the dialect spoken by Steam-style providers is covered. There is no
// association establishment and no discovery; the provider endpoint is fixed
// by the caller, and the provider is the sole judge of the assertion's
// signature.
package openid

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// Namespace is the OpenID Authentication 2.0 namespace carried on every
	// request in the flow.
	Namespace = "http://specs.openid.net/auth/2.0"

	// IdentifierSelect is the sentinel identity URL asking the provider to
	// choose the claimed identifier itself.
	IdentifierSelect = "http://specs.openid.net/auth/2.0/identifier_select"
)

const (
	// ModeCheckIDSetup starts an interactive authentication at the provider.
	ModeCheckIDSetup = "checkid_setup"

	// ModeCheckAuth asks the provider to confirm an assertion it made.
	ModeCheckAuth = "check_authentication"

	// ModeCancel is set on the callback when the user aborted at the
	// provider.
	ModeCancel = "cancel"
)

// ErrMissingCallback is returned when Verify is called without a callback
// URL. This is a caller bug, not an authentication outcome.
var ErrMissingCallback = errors.New("openid: no callback URL to verify")

// TransportError indicates the check_authentication round trip failed before
// a verdict could be read. The attempt may be retried by the caller; the
// verifier itself never retries.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return "openid: verification request failed: " + e.Cause.Error()
}

func (e *TransportError) Unwrap() error { return e.Cause }

// validVerdict matches the positive marker in the provider's key-value
// response body.
var validVerdict = regexp.MustCompile(`(?i)is_valid\s*:\s*true`)

// AuthorizationRequest is the parameter set the user agent is redirected to
// the provider's login endpoint with. It is built fresh per attempt and
// never persisted.
type AuthorizationRequest struct {
	// Endpoint is the provider's login URL.
	Endpoint string

	// Params carries the openid.* query parameters.
	Params url.Values
}

// NewAuthorizationRequest builds the checkid_setup request for an
// identifier-select authentication against endpoint. returnTo is the
// absolute URL the provider sends the user agent back to; realm is the
// origin presented on the provider's trust prompt. Both are assumed to have
// passed configuration validation; nothing fails at this layer.
func NewAuthorizationRequest(endpoint, returnTo, realm string) *AuthorizationRequest {
	return &AuthorizationRequest{
		Endpoint: endpoint,
		Params: url.Values{
			"openid.ns":         []string{Namespace},
			"openid.mode":       []string{ModeCheckIDSetup},
			"openid.identity":   []string{IdentifierSelect},
			"openid.claimed_id": []string{IdentifierSelect},
			"openid.return_to":  []string{returnTo},
			"openid.realm":      []string{realm},
		},
	}
}

// URL assembles the full redirect target.
func (r *AuthorizationRequest) URL() string {
	return r.Endpoint + "?" + r.Params.Encode()
}

// CallbackMode reports the openid.mode carried on a callback's query
// parameters.
func CallbackMode(q url.Values) string {
	return q.Get("openid.mode")
}

// Verifier confirms positive assertions by replaying the signed parameter
// set to the provider's check_authentication mode and extracting the stable
// identifier from the claimed identifier on a positive verdict.
type Verifier struct {
	endpoint  string
	claimedID *regexp.Regexp
	hc        *http.Client
	logger    logrus.FieldLogger
}

// NewVerifier returns a Verifier posting to the given endpoint. claimedID
// must capture the stable identifier in its first group; claimed identifiers
// it does not match are rejected even when the provider reports the
// signature valid. A nil hc falls back to http.DefaultClient.
func NewVerifier(endpoint string, claimedID *regexp.Regexp, hc *http.Client, logger logrus.FieldLogger) *Verifier {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Verifier{
		endpoint:  endpoint,
		claimedID: claimedID,
		hc:        hc,
		logger:    logger,
	}
}

// Verify runs the check_authentication round trip for the callback URL the
// provider redirected the user agent back to. It returns the verified
// identifier, or "" when the provider did not confirm the assertion — a
// normal negative outcome, not an error. Transport and IO failures are
// returned as *TransportError.
func (v *Verifier) Verify(ctx context.Context, callbackURL string) (string, error) {
	if callbackURL == "" {
		return "", ErrMissingCallback
	}

	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", errors.Wrap(err, "openid: parsing callback URL")
	}

	params := verificationParams(u.Query())

	req, err := http.NewRequest("POST", v.endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "openid: building verification request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.hc.Do(req)
	if err != nil {
		return "", &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Cause: err}
	}

	if !validVerdict.Match(body) {
		v.logger.WithField("response", string(body)).Debug("provider did not confirm the assertion")
		return "", nil
	}

	// The claimed identifier is read from the replayed parameter set, not
	// the raw callback: a value the provider did not sign over arrives here
	// empty and is rejected with everything else the pattern refuses.
	claimed := params.Get("openid.claimed_id")
	m := v.claimedID.FindStringSubmatch(claimed)
	if m == nil {
		v.logger.WithField("claimed_id", claimed).Debug("positive verdict for an unexpected claimed identifier")
		return "", nil
	}

	return m[1], nil
}

// verificationParams builds the check_authentication parameter set from the
// callback query. Every field named in openid.signed is echoed under the
// same key — as the empty string when absent, never omitted, since the
// signature covers the exact parameter set. The fixed fields are forced
// afterwards so a hostile callback cannot override them.
func verificationParams(q url.Values) url.Values {
	params := url.Values{}

	signed := q.Get("openid.signed")
	if signed != "" {
		for _, name := range strings.Split(signed, ",") {
			key := "openid." + name
			params.Set(key, q.Get(key))
		}
	}

	params.Set("openid.assoc_handle", q.Get("openid.assoc_handle"))
	params.Set("openid.signed", signed)
	params.Set("openid.sig", q.Get("openid.sig"))
	params.Set("openid.ns", Namespace)
	params.Set("openid.mode", ModeCheckAuth)

	return params
}

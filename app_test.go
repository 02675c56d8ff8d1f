package manifold

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/brassworks/manifold/internal/connector"
	"github.com/brassworks/manifold/internal/connector/steam"
)

// stubSteam stands in for both Steam endpoints the app's connector reaches.
type stubSteam struct {
	verdict string
	apiBody string

	verifyRequests int
}

func newStubSteam() (*stubSteam, *httptest.Server) {
	s := &stubSteam{
		verdict: "is_valid:false\n",
		apiBody: `{"response":{"players":[]}}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/openid/login", func(w http.ResponseWriter, r *http.Request) {
		s.verifyRequests++
		_, _ = w.Write([]byte(s.verdict))
	})
	mux.HandleFunc("/ISteamUser/GetPlayerSummaries/v0002/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(s.apiBody))
	})

	return s, httptest.NewServer(mux)
}

func newTestApp(t *testing.T) (*App, *stubSteam, func()) {
	t.Helper()

	stub, srv := newStubSteam()

	logger := logrus.New()
	logger.Out = ioutil.Discard

	cfg := &Config{
		Listen:  "localhost:5556",
		BaseURL: "http://localhost:5556",
		Steam: steam.Config{
			APIKey:   "test-api-key",
			LoginURL: srv.URL + "/openid/login",
			APIBase:  srv.URL,
		},
	}

	conn, err := cfg.Steam.Open(logger)
	if err != nil {
		srv.Close()
		t.Fatalf("unexpected error opening connector: %v", err)
	}

	a, err := NewApp(logger, conn, cfg, prometheus.NewRegistry())
	if err != nil {
		srv.Close()
		t.Fatalf("unexpected error creating app: %v", err)
	}

	return a, stub, srv.Close
}

// callbackPath builds the app-relative callback target for an assertion over
// the given claimed identifier.
func callbackPath(claimed string) string {
	q := url.Values{
		"openid.ns":           []string{"http://specs.openid.net/auth/2.0"},
		"openid.mode":         []string{"id_res"},
		"openid.claimed_id":   []string{claimed},
		"openid.identity":     []string{claimed},
		"openid.assoc_handle": []string{"1234567890"},
		"openid.signed":       []string{"claimed_id,identity,assoc_handle"},
		"openid.sig":          []string{"c2ln"},
	}
	return "/callback?" + q.Encode()
}

func TestLoginRedirect(t *testing.T) {
	a, _, cleanup := newTestApp(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest("GET", "/login", nil))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("wanted HTTP %d, got %d", http.StatusSeeOther, rec.Code)
	}

	u, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("redirect location is not a URL: %v", err)
	}
	q := u.Query()
	if got := q.Get("openid.return_to"); got != "http://localhost:5556/callback" {
		t.Errorf("wanted return_to under the base URL, got %q", got)
	}
	if got := q.Get("openid.realm"); got != "http://localhost:5556" {
		t.Errorf("wanted the base URL origin as realm, got %q", got)
	}
}

func TestCallbackSuccess(t *testing.T) {
	a, stub, cleanup := newTestApp(t)
	defer cleanup()
	stub.verdict = "is_valid:true\n"
	stub.apiBody = `{"response":{"players":[{"steamid":"76561197960287930","personaname":"Rabscuttle","avatarfull":"https://avatars.example/full.jpg","personastate":1,"communityvisibilitystate":3,"timecreated":1063407589}]}}`

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest("GET", callbackPath("https://steamcommunity.com/openid/id/76561197960287930"), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("wanted HTTP %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var identity connector.Identity
	if err := json.NewDecoder(rec.Body).Decode(&identity); err != nil {
		t.Fatalf("response is not identity JSON: %v", err)
	}
	if identity.ID != "76561197960287930" || identity.DisplayName != "Rabscuttle" {
		t.Errorf("unexpected identity %+v", identity)
	}
}

func TestCallbackCompletionHook(t *testing.T) {
	a, stub, cleanup := newTestApp(t)
	defer cleanup()
	stub.verdict = "is_valid:true\n"
	stub.apiBody = `{"response":{"players":[{"steamid":"76561197960287930","personaname":"Rabscuttle"}]}}`

	var gotTS *connector.TokenSet
	var gotIdentity *connector.Identity
	a.SetCompleteLogin(func(w http.ResponseWriter, r *http.Request, ts *connector.TokenSet, identity *connector.Identity) {
		gotTS = ts
		gotIdentity = identity
		http.Redirect(w, r, "/welcome", http.StatusSeeOther)
	})

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest("GET", callbackPath("https://steamcommunity.com/openid/id/76561197960287930"), nil))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("completion hook did not drive the response, got HTTP %d", rec.Code)
	}
	if gotTS == nil || gotTS.ProviderID != "76561197960287930" {
		t.Errorf("unexpected token set %+v", gotTS)
	}
	if gotIdentity == nil || gotIdentity.DisplayName != "Rabscuttle" {
		t.Errorf("unexpected identity %+v", gotIdentity)
	}
}

func TestCallbackUnauthenticated(t *testing.T) {
	a, stub, cleanup := newTestApp(t)
	defer cleanup()
	stub.verdict = "ns:http://specs.openid.net/auth/2.0\nis_valid:false\n"

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest("GET", callbackPath("https://steamcommunity.com/openid/id/76561197960287930"), nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wanted HTTP %d, got %d", http.StatusUnauthorized, rec.Code)
	}

	// The provider's raw response stays out of the page.
	if strings.Contains(rec.Body.String(), "is_valid") {
		t.Errorf("response leaked the provider verdict body: %s", rec.Body.String())
	}
}

func TestCallbackCancelled(t *testing.T) {
	a, stub, cleanup := newTestApp(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest("GET", "/callback?openid.mode=cancel", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("wanted HTTP %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cancelled") {
		t.Errorf("wanted the cancelled page, got: %s", rec.Body.String())
	}
	if stub.verifyRequests != 0 {
		t.Errorf("cancel made %d verification requests, wanted none", stub.verifyRequests)
	}
}

func TestCallbackProfileFailure(t *testing.T) {
	a, stub, cleanup := newTestApp(t)
	defer cleanup()
	stub.verdict = "is_valid:true\n"
	stub.apiBody = `{"response":{"players":[]}}`

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest("GET", callbackPath("https://steamcommunity.com/openid/id/76561197960287930"), nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("wanted HTTP %d, got %d", http.StatusBadGateway, rec.Code)
	}
}

func TestCallbackProviderUnreachable(t *testing.T) {
	a, _, cleanup := newTestApp(t)
	cleanup() // the provider is gone before the callback arrives

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest("GET", callbackPath("https://steamcommunity.com/openid/id/76561197960287930"), nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("wanted HTTP %d, got %d", http.StatusBadGateway, rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	a, _, cleanup := newTestApp(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("wanted HTTP %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	a, _, cleanup := newTestApp(t)
	defer cleanup()

	// Drive one request through an instrumented route first so the counter
	// has something to report.
	a.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("wanted HTTP %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Error("metrics output is missing http_requests_total")
	}
}

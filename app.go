// Package manifold is a small web app that signs users in through Steam's
// OpenID 2.0 endpoint and hands the verified, normalized identity to a
// completion hook. Everything protocol-level lives under internal/; this
// package is the route wiring around it.
package manifold

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/brassworks/manifold/internal/connector"
	"github.com/brassworks/manifold/internal/openid"
)

// CompleteLogin is called once a login attempt has fully succeeded. This is
// the seam where the surrounding framework takes over — persisting a session,
// issuing its own credentials, redirecting onward. The TokenSet values are
// uniqueness-only identifiers; treat them as opaque.
type CompleteLogin func(w http.ResponseWriter, r *http.Request, ts *connector.TokenSet, identity *connector.Identity)

type App struct {
	logger    logrus.FieldLogger
	connector connector.Connector

	// returnTo and realm are derived once from the configured base URL.
	returnTo string
	realm    string

	complete CompleteLogin
	attempts *prometheus.CounterVec

	router *mux.Router
}

func NewApp(logger logrus.FieldLogger, conn connector.Connector, cfg *Config, registry *prometheus.Registry) (*App, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	a := &App{
		logger:    logger,
		connector: conn,
		returnTo:  cfg.returnTo(),
		realm:     cfg.realm(),
		complete:  writeIdentityJSON,
	}

	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Count of all HTTP requests.",
	}, []string{"handler", "code", "method"})
	a.attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_attempts_total",
		Help: "Count of login attempts by outcome.",
	}, []string{"outcome"})

	for _, c := range []prometheus.Collector{requestCounter, a.attempts} {
		if err := registry.Register(c); err != nil {
			return nil, errors.Wrap(err, "Error registering Prometheus metrics")
		}
	}

	instrumentHandlerCounter := func(handlerName string, handler http.Handler) http.HandlerFunc {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			requestCounter.With(prometheus.Labels{"handler": handlerName, "code": strconv.Itoa(m.Code), "method": r.Method}).Inc()
		})
	}

	a.router = mux.NewRouter()
	handleFunc := func(p string, h http.HandlerFunc) {
		a.router.HandleFunc(p, instrumentHandlerCounter(p, h))
	}
	handleFunc("/", a.handleIndex)
	handleFunc("/login", a.handleLogin)
	handleFunc("/callback", a.handleCallback)
	handleFunc("/healthz", a.handleHealth)
	a.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return a, nil
}

// SetCompleteLogin replaces the default completion hook, which writes the
// identity as JSON.
func (a *App) SetCompleteLogin(fn CompleteLogin) {
	a.complete = fn
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	a.renderPage(w, http.StatusOK, "Sign in", `<a href="/login">Sign in through Steam</a>`)
}

// handleLogin starts an attempt: the user agent is sent to the provider's
// login page and comes back at /callback.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	lurl, err := a.connector.Authorization(a.returnTo, a.realm)
	if err != nil {
		a.logger.WithError(err).Error("Error creating provider login URL")
		a.attempts.WithLabelValues("error").Inc()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, lurl, http.StatusSeeOther)
}

// handleCallback drives the back half of an attempt: verify the assertion,
// wrap it as a token set, fetch the profile, and hand off to the completion
// hook. Failures render generic pages; protocol detail stays in the logs.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	if openid.CallbackMode(r.URL.Query()) == openid.ModeCancel {
		a.attempts.WithLabelValues("cancelled").Inc()
		a.renderPage(w, http.StatusOK, "Sign-in cancelled", `You cancelled signing in. <a href="/login">Try again</a>`)
		return
	}

	ts, err := a.connector.Token(r.Context(), r.URL.String())
	if err != nil {
		a.renderTokenError(w, err)
		return
	}

	identity, err := a.connector.UserInfo(r.Context(), ts)
	if err != nil {
		a.logger.WithError(err).Error("Error fetching profile for authenticated user")
		a.attempts.WithLabelValues("error").Inc()
		http.Error(w, "Signed in, but fetching your profile failed.", http.StatusBadGateway)
		return
	}

	a.attempts.WithLabelValues("success").Inc()
	a.complete(w, r, ts, identity)
}

func (a *App) renderTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connector.ErrUnauthenticated):
		// Expected whenever the provider declines the assertion; the raw
		// provider response is in the verifier's debug log, never here.
		a.logger.WithError(err).Info("Provider did not confirm identity")
		a.attempts.WithLabelValues("unauthenticated").Inc()
		http.Error(w, "Authentication failed.", http.StatusUnauthorized)
	case errors.Is(err, openid.ErrMissingCallback):
		a.logger.WithError(err).Error("Callback handler invoked without a callback URL")
		a.attempts.WithLabelValues("error").Inc()
		http.Error(w, "Bad request.", http.StatusBadRequest)
	default:
		var terr *openid.TransportError
		if errors.As(err, &terr) {
			a.logger.WithError(err).Error("Error reaching provider for verification")
			a.attempts.WithLabelValues("error").Inc()
			http.Error(w, "Could not reach the identity provider.", http.StatusBadGateway)
			return
		}
		a.logger.WithError(err).Error("Error verifying callback")
		a.attempts.WithLabelValues("error").Inc()
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{.Body}}
</body>
</html>
`))

func (a *App) renderPage(w http.ResponseWriter, code int, title string, body template.HTML) {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := pageTmpl.Execute(w, struct {
		Title string
		Body  template.HTML
	}{title, body}); err != nil {
		a.logger.WithError(err).Error("failed to execute template")
	}
}

// writeIdentityJSON is the default completion hook.
func writeIdentityJSON(w http.ResponseWriter, r *http.Request, ts *connector.TokenSet, identity *connector.Identity) {
	w.Header().Set("content-type", "application/json")
	if err := json.NewEncoder(w).Encode(identity); err != nil {
		http.Error(w, "failed to encode identity", http.StatusInternalServerError)
	}
}

package manifold

import (
	"io/ioutil"
	"net/url"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"

	"github.com/brassworks/manifold/internal/connector/steam"
)

type Config struct {
	// Listen is the address the HTTP server binds to.
	Listen string `json:"listen"`

	// BaseURL is the externally-reachable base URL of this app. The
	// provider redirects the user agent back to BaseURL/callback, and its
	// origin is the realm shown on the provider's trust prompt.
	BaseURL string `json:"baseURL"`

	// Steam configures the provider adapter.
	Steam steam.Config `json:"steam"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Error reading %s", path)
	}

	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "Error parsing %s", path)
	}

	return c, nil
}

// withDefaults returns a copy of the Config, with the default values set if
// needed
func (c *Config) withDefaults() *Config {
	ret := *c

	if ret.Listen == "" {
		ret.Listen = "localhost:5556"
	}

	if ret.BaseURL == "" {
		ret.BaseURL = "http://localhost:5556"
	}

	return &ret
}

// validate fails fast on configuration the rest of the app assumes is
// well-formed. The Steam API key is checked by steam.Config.Open.
func (c *Config) validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is empty")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return errors.Wrapf(err, "config: parsing base URL %q", c.BaseURL)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("config: base URL %q must be absolute http(s)", c.BaseURL)
	}

	return nil
}

// returnTo is the absolute callback URL handed to the provider. Call only
// after validate.
func (c *Config) returnTo() string {
	u, _ := url.Parse(c.BaseURL)
	return absURL(*u, "callback")
}

// realm is the origin presented on the provider's trust prompt. Call only
// after validate.
func (c *Config) realm() string {
	u, _ := url.Parse(c.BaseURL)
	return origin(*u)
}

package manifold

import (
	"net/url"
	"path"
)

// absURL joins pathItems onto base, preserving any path prefix base carries.
func absURL(base url.URL, pathItems ...string) string {
	paths := make([]string, len(pathItems)+1)
	paths[0] = base.Path
	copy(paths[1:], pathItems)

	u := base
	u.Path = path.Join(paths...)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// origin reduces base to scheme://host, the shape OpenID realms take.
func origin(base url.URL) string {
	u := url.URL{Scheme: base.Scheme, Host: base.Host}
	return u.String()
}

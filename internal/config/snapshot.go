package config

import "net/url"

const redacted = "xxxxx"

// Snapshot returns a copy of the configuration that is safe to expose:
// passwords, tokens and URL credentials are replaced.
func (c *Config) Snapshot() Config {
	s := *c
	s.Postgres.DSN = redactDSN(s.Postgres.DSN)
	s.Mongo.URI = redactDSN(s.Mongo.URI)
	s.NATS.URL = redactDSN(s.NATS.URL)
	s.Logger.OTELEndpoint = redactDSN(s.Logger.OTELEndpoint)
	if s.Redis.Password != "" {
		s.Redis.Password = redacted
	}
	if s.NATS.Token != "" {
		s.NATS.Token = redacted
	}
	return s
}

// redactDSN hides the user info and any password query parameter of a URL.
// Values that do not parse as URLs with a scheme are hidden entirely when
// they look like key=value DSNs.
func redactDSN(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return redacted
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	q := u.Query()
	for _, k := range []string{"password", "token", "sslpassword"} {
		if q.Has(k) {
			q.Set(k, redacted)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

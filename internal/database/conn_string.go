package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/l4z41/ibkr-connector/internal/config"
)

// ApplicationName identifies journal connections in pg_stat_activity.
const ApplicationName = "ibkr-journal"

// BuildConnString renders the journal database config as a postgres URL.
// User and password are escaped as URL userinfo, so spaces and reserved
// characters survive the round trip through pgx's parser.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

const (
	passwordEnv      = "FTPSDRIVE_PASSWORD"
	proxyPasswordEnv = "FTPSDRIVE_PROXY_PASSWORD"
)

// CredentialKey returns the environment variable holding the password for
// one (host, port, username) triple.
func CredentialKey(host string, port int, username string) string {
	return passwordEnv + "_" + envSafe(host) + "_" + strconv.Itoa(port) + "_" + envSafe(username)
}

func envSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		default:
			return '_'
		}
	}, s)
}

// Password resolves the password for server.
func Password(server ServerConfig) (string, error) {
	conn := server.Connection
	if val, ok := os.LookupEnv(CredentialKey(conn.Host, conn.Port, conn.Username)); ok {
		return val, nil
	}
	if val, ok := os.LookupEnv(passwordEnv); ok {
		return val, nil
	}
	if conn.PasswordFile != "" {
		data, err := os.ReadFile(conn.PasswordFile) //nolint:gosec // operator-supplied path
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeCredentialsMissing, "failed to read password file", err).
				WithComponent("config").
				WithServer(server.Name)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	return "", errors.NewError(errors.ErrCodeCredentialsMissing,
		fmt.Sprintf("no password for %s@%s:%d", conn.Username, conn.Host, conn.Port)).
		WithComponent("config").
		WithServer(server.Name).
		WithDetail("env", CredentialKey(conn.Host, conn.Port, conn.Username))
}

// ProxyPassword returns the SOCKS5 proxy password, empty when unset.
func ProxyPassword() string {
	return os.Getenv(proxyPasswordEnv)
}

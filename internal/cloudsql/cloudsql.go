// Package cloudsql builds the PostgreSQL connection string for local
// development (DATABASE_URL) and Cloud SQL unix sockets on Cloud Run.
package cloudsql

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// BuildDatabaseURL reads the process environment.
//
// DATABASE_URL wins when set. Otherwise INSTANCE_CONNECTION_NAME, DB_USER and
// DB_NAME select the socket mounted at /cloudsql/<instance>; DB_PASSWORD may
// be empty for IAM authentication.
func BuildDatabaseURL() (string, error) {
	return buildDatabaseURL(os.Getenv)
}

func buildDatabaseURL(getenv func(string) string) (string, error) {
	if dbURL := getenv("DATABASE_URL"); dbURL != "" {
		return dbURL, nil
	}

	instance := getenv("INSTANCE_CONNECTION_NAME")
	if instance == "" {
		return "", fmt.Errorf("neither DATABASE_URL nor INSTANCE_CONNECTION_NAME is set")
	}
	user, name := getenv("DB_USER"), getenv("DB_NAME")
	if user == "" || name == "" {
		return "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	params := []string{
		"host=" + quote(socketPath(instance)),
		"user=" + quote(user),
	}
	if password := getenv("DB_PASSWORD"); password != "" {
		params = append(params, "password="+quote(password))
	}
	params = append(params, "dbname="+quote(name), "sslmode=disable")
	return strings.Join(params, " "), nil
}

func socketPath(instance string) string {
	return "/cloudsql/" + instance
}

// quote escapes a keyword/value connection parameter.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// GetConnectionConfig describes the selected connection without secrets.
func GetConnectionConfig() map[string]string {
	return connectionConfig(os.Getenv)
}

func connectionConfig(getenv func(string) string) map[string]string {
	config := make(map[string]string)

	switch {
	case getenv("DATABASE_URL") != "":
		config["connection_type"] = "direct"
		config["database_url"] = redactPassword(getenv("DATABASE_URL"))
	case getenv("INSTANCE_CONNECTION_NAME") != "":
		instance := getenv("INSTANCE_CONNECTION_NAME")
		config["connection_type"] = "cloud_sql"
		config["instance"] = instance
		config["user"] = getenv("DB_USER")
		config["database"] = getenv("DB_NAME")
		config["socket_path"] = socketPath(instance)
	default:
		config["connection_type"] = "none"
		config["error"] = "no database configuration found"
	}

	return config
}

// redactPassword masks the password of a postgres:// URL for logging.
func redactPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return connStr
	}
	return u.Redacted()
}

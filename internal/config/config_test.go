package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gophcal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9443"
driver: sqlite
dsn: "file:gophcal.db"
access_ttl: 30m
default_zone: Europe/Berlin
sync:
  timeout: 3s
  caldav:
    url: https://dav.example.com/
    calendar_path: /cal/work
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9443", cfg.Addr)
	require.Equal(t, DriverSQLite, cfg.Driver)
	require.Equal(t, 30*time.Minute, cfg.AccessTTL)
	require.Equal(t, "Europe/Berlin", cfg.DefaultZone)
	require.Equal(t, 3*time.Second, cfg.Sync.Timeout)
	require.Equal(t, "/cal/work", cfg.Sync.CalDAV.CalendarPath)
	// untouched keys keep their defaults
	require.Equal(t, 5000, cfg.MaxOccurrences)
	require.Equal(t, "primary", cfg.Sync.Google.CalendarID)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [unterminated"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GOPHCAL_DSN":             "postgres://env",
		"GOPHCAL_MAX_OCCURRENCES": "100",
		"GOPHCAL_DEV":             "true",
		"GOPHCAL_SYNC_TIMEOUT":    "1s",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	require.Equal(t, "postgres://env", cfg.DSN)
	require.Equal(t, 100, cfg.MaxOccurrences)
	require.True(t, cfg.Dev)
	require.Equal(t, time.Second, cfg.Sync.Timeout)

	env = map[string]string{"GOPHCAL_ACCESS_TTL": "soon"}
	require.Error(t, Default().ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
}

func TestSet(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Set("google-token", "token.json"))
	require.Equal(t, "token.json", cfg.Sync.Google.TokenFile)
	require.Error(t, cfg.Set("nope", "x"))
	require.Error(t, cfg.Set("insecure", "maybe"))
	require.Equal(t, "GOPHCAL_METRICS_ADDR", EnvName("metrics-addr"))
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(""))
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GOPHCAL_TEST_DOTENV=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("GOPHCAL_TEST_DOTENV") })
	require.NoError(t, LoadDotEnv(path))
	require.Equal(t, "from-file", os.Getenv("GOPHCAL_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	ok := func() *Config {
		c := Default()
		c.JWTKey = "secret"
		return c
	}
	require.NoError(t, ok().Validate())

	tests := map[string]func(c *Config){
		"no jwt key":     func(c *Config) { c.JWTKey = "" },
		"bad driver":     func(c *Config) { c.Driver = "mysql" },
		"no dsn":         func(c *Config) { c.DSN = "" },
		"bad zone":       func(c *Config) { c.DefaultZone = "Mars/Base" },
		"no tls":         func(c *Config) { c.TLSCert = "" },
		"zero ttl":       func(c *Config) { c.AccessTTL = 0 },
		"caldav no path": func(c *Config) { c.Sync.CalDAV.URL = "https://dav" },
		"google no tok":  func(c *Config) { c.Sync.Google.CredentialsFile = "c.json" },
	}
	for name, mutate := range tests {
		c := ok()
		mutate(c)
		require.Error(t, c.Validate(), name)
	}

	c := ok()
	c.Driver, c.DSN, c.Insecure, c.TLSCert = DriverMemory, "", true, ""
	require.NoError(t, c.Validate())
}

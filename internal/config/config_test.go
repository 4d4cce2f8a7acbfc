package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailbridge-io/mailbridge/internal/faults"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644)
	require.NoError(t, err)
	return dir
}

const validYAML = `
database:
  driver: sqlite3
  path: ./bridge.db
mail:
  inbound:
    host: imap.example.com
    username: support@example.com
    password: secret
  outbound:
    host: smtp.example.com
    from: support@example.com
company:
  name: Example Corp
  domain: example.com
`

func TestLoadValidConfig(t *testing.T) {
	dir := writeConfig(t, validYAML)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "imap.example.com", cfg.Mail.Inbound.Host)
	assert.Equal(t, "INBOX", cfg.Mail.Inbound.Folder)
	assert.Equal(t, 10*time.Second, cfg.Processing.Interval)
	assert.Equal(t, time.Minute, cfg.Processing.ErrorBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Processing.ConfigBackoff)
}

func TestLoadEnvOnlySecrets(t *testing.T) {
	// Secrets left out of the file entirely must still arrive via env.
	dir := writeConfig(t, `
database:
  driver: sqlite3
  path: ./bridge.db
mail:
  inbound:
    host: imap.example.com
    username: support@example.com
  outbound:
    host: smtp.example.com
    from: support@example.com
company:
  domain: example.com
`)
	t.Setenv("MAILBRIDGE_MAIL_INBOUND_PASSWORD", "env-secret")
	t.Setenv("MAILBRIDGE_DATABASE_PASSWORD", "db-secret")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Mail.Inbound.Password)
	assert.Equal(t, "db-secret", cfg.Database.Password)
}

func TestLoadMissingRequiredFields(t *testing.T) {
	dir := writeConfig(t, `
database:
  driver: sqlite3
  path: ./bridge.db
`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConfiguration))
	assert.Contains(t, err.Error(), "mail.inbound.host")
	assert.Contains(t, err.Error(), "company.domain")
}

func TestLoadUnsupportedDriver(t *testing.T) {
	dir := writeConfig(t, `
database:
  driver: oracle
`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConfiguration))
}

func TestDSNPerDriver(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, Name: "bridge", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 dbname=bridge user=u password=p sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, Name: "bridge", User: "u", Password: "p"}
	assert.Equal(t, "u:p@tcp(db:3306)/bridge?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite3", Path: "/tmp/x.db"}
	assert.Equal(t, "/tmp/x.db", lite.DSN())
}

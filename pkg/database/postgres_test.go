package database

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-gate-api/pkg/config"
)

func TestDSNEscapesCredentials(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "gate",
		Password: "p@ss word/1",
		Name:     "gate",
	}, 3*time.Second)

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "db.internal:5432", u.Host)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss word/1", pw)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, "3", u.Query().Get("connect_timeout"))
	assert.Equal(t, applicationName, u.Query().Get("application_name"))
}

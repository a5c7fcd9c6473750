package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "./data/helmsman.db", cfg.DBFile)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DevMode)
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("HELMSMAN_DB_FILE", "/tmp/custom.db")
	t.Setenv("HELMSMAN_PORT", "9090")
	t.Setenv("DEV_MODE", "1")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.db", cfg.DBFile)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.DevMode)
}

func TestLoad_FlagsWinOverEnvironment(t *testing.T) {
	t.Setenv("HELMSMAN_PORT", "9090")

	cfg, err := Load([]string{"--port", "7070", "--db-file", "/tmp/flag.db"})
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "/tmp/flag.db", cfg.DBFile)
}

func TestLoad_UnparseableEnvFallsBack(t *testing.T) {
	t.Setenv("HELMSMAN_PORT", "not-a-port")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{DBFile: "x.db", Port: 8080}, false},
		{"missing db file", Config{Port: 8080}, true},
		{"port zero", Config{DBFile: "x.db"}, true},
		{"port out of range", Config{DBFile: "x.db", Port: 70000}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

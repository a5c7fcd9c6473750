package settings

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/testutil"
)

func newSettingsRepo(t *testing.T) *Repository {
	t.Helper()
	db := testutil.NewTestDB(t)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func TestSeedDefaults_NeverOverwrites(t *testing.T) {
	repo := newSettingsRepo(t)

	require.NoError(t, repo.SeedDefaults())
	value, err := repo.Get(KeyMinTPSLPercent)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "3.0", *value)

	require.NoError(t, repo.Set(KeyMinTPSLPercent, "5.5", nil))
	require.NoError(t, repo.SeedDefaults())

	value, err = repo.Get(KeyMinTPSLPercent)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "5.5", *value)
}

func TestGet_MissingIsNil(t *testing.T) {
	repo := newSettingsRepo(t)

	value, err := repo.Get("no_such_key")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestTypedGetters(t *testing.T) {
	repo := newSettingsRepo(t)

	require.NoError(t, repo.Set("float_key", "2.5", nil))
	require.NoError(t, repo.Set("int_key", "7", nil))
	require.NoError(t, repo.Set("bool_key", "1", nil))
	require.NoError(t, repo.Set("junk_key", "not-a-number", nil))

	assert.Equal(t, 2.5, repo.GetFloat("float_key", 9))
	assert.Equal(t, 7, repo.GetInt("int_key", 9))
	assert.True(t, repo.GetBool("bool_key", false))

	// Absent or unparseable values fall back.
	assert.Equal(t, 9.0, repo.GetFloat("missing", 9))
	assert.Equal(t, 9, repo.GetInt("junk_key", 9))
	assert.False(t, repo.GetBool("junk_key", false))
}

func TestGetAll(t *testing.T) {
	repo := newSettingsRepo(t)

	desc := "worker pool size"
	require.NoError(t, repo.Set(KeyWorkerCount, "4", &desc))

	all, err := repo.GetAll()
	require.NoError(t, err)
	assert.Equal(t, "4", all[KeyWorkerCount])
}

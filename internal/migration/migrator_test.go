package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailableMigrations(t *testing.T) {
	files, err := availableMigrations()
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, uint(1), files[0].version)
	assert.Equal(t, "create_cases", files[0].name)
	assert.Equal(t, uint(2), files[1].version)
	assert.Equal(t, "create_applied_commands", files[1].name)
}

func TestEmbeddedPairsComplete(t *testing.T) {
	// Every up migration needs a matching down migration.
	entries, err := postgresFS.ReadDir(sourcePath)
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case len(name) > 7 && name[len(name)-7:] == ".up.sql":
			ups[name[:len(name)-7]] = true
		case len(name) > 9 && name[len(name)-9:] == ".down.sql":
			downs[name[:len(name)-9]] = true
		}
	}
	assert.Equal(t, ups, downs)
}

func TestNewRequiresDB(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&Config{})
	assert.Error(t, err)
}

package profile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwaynemcyrus/anchored/internal/profile"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "work", false},
		{"with hyphen", "side-project", false},
		{"numeric", "2026", false},
		{"single char", "a", false},
		{"default", "default", false},
		{"64 chars", "abcdefghijklmnopqrstuvwxyz0123456789abcdefghijklmnopqrstuvwxyz01", false},

		{"empty", "", true},
		{"uppercase", "Work", true},
		{"leading hyphen", "-work", true},
		{"trailing hyphen", "work-", true},
		{"consecutive hyphens", "my--work", true},
		{"underscore", "my_work", true},
		{"slash", "org/team", true},
		{"dots", "..", true},
		{"65 chars", "abcdefghijklmnopqrstuvwxyz0123456789abcdefghijklmnopqrstuvwxyz012", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := profile.Validate(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, profile.ErrInvalidID)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestResolve(t *testing.T) {
	t.Run("explicit wins over env", func(t *testing.T) {
		t.Setenv(profile.EnvVar, "from-env")
		got, err := profile.Resolve("explicit")
		require.NoError(t, err)
		assert.Equal(t, "explicit", got)
	})

	t.Run("env wins over default", func(t *testing.T) {
		t.Setenv(profile.EnvVar, "from-env")
		got, err := profile.Resolve("")
		require.NoError(t, err)
		assert.Equal(t, "from-env", got)
	})

	t.Run("default", func(t *testing.T) {
		t.Setenv(profile.EnvVar, "")
		got, err := profile.Resolve("")
		require.NoError(t, err)
		assert.Equal(t, profile.Default, got)
	})

	t.Run("invalid explicit", func(t *testing.T) {
		_, err := profile.Resolve("Bad Name")
		assert.ErrorIs(t, err, profile.ErrInvalidID)
	})

	t.Run("invalid env", func(t *testing.T) {
		t.Setenv(profile.EnvVar, "../escape")
		_, err := profile.Resolve("")
		assert.ErrorIs(t, err, profile.ErrInvalidID)
	})
}

func TestDBPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	assert.Equal(t, filepath.Join("/home/tester", ".anchored", "profiles", "work", "anchored.db"), profile.DBPath("work"))
	assert.Equal(t, filepath.Join("/tmp/root", "default", "anchored.db"), profile.DBPathIn("/tmp/root", "default"))
}

func TestList(t *testing.T) {
	root := t.TempDir()

	for _, id := range []string{"work", "default"} {
		path := profile.DBPathIn(root, id)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, nil, 0o644))
	}
	// Directory without a store file, and an invalid name.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Bad_Name"), 0o755))

	ids, err := profile.List(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "work"}, ids)

	ids, err = profile.List(filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

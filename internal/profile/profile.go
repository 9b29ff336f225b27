// Package profile resolves per-account local databases. Each profile has
// its own store file, so one device can sync several accounts.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Default is the profile used when none is configured.
const Default = "default"

// EnvVar selects the profile when no explicit profile is given.
const EnvVar = "ANCHORED_PROFILE"

// dbFile is the store file name inside a profile directory.
const dbFile = "anchored.db"

// ErrInvalidID indicates the profile name format is invalid.
var ErrInvalidID = errors.New("invalid profile: must be lowercase alphanumeric with single hyphens, 1-64 characters")

// idRegex allows lowercase alphanumerics and inner hyphens, 1-64 chars.
var idRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// Validate checks a profile name.
func Validate(id string) error {
	if id == "" || strings.Contains(id, "--") || !idRegex.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// Resolve determines the profile to use.
// Priority: explicit > ANCHORED_PROFILE env > "default".
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		if err := Validate(explicit); err != nil {
			return "", fmt.Errorf("profile %q: %w", explicit, err)
		}
		return explicit, nil
	}
	if env := os.Getenv(EnvVar); env != "" {
		if err := Validate(env); err != nil {
			return "", fmt.Errorf("%s %q: %w", EnvVar, env, err)
		}
		return env, nil
	}
	return Default, nil
}

// Root returns the directory holding all profiles.
// Defaults to ~/.anchored/profiles, falling back to ./.anchored/profiles
// when the home directory is unavailable.
func Root() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".anchored", "profiles")
	}
	return filepath.Join(home, ".anchored", "profiles")
}

// DBPath returns the store file of a profile under Root.
// Example: DBPath("work") -> ~/.anchored/profiles/work/anchored.db
func DBPath(id string) string {
	return DBPathIn(Root(), id)
}

// DBPathIn returns the store file of a profile under root.
func DBPathIn(root, id string) string {
	return filepath.Join(root, id, dbFile)
}

// List returns the profiles under root that have a store file, sorted.
// A missing root yields an empty list.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || Validate(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), dbFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

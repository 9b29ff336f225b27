package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwaynemcyrus/anchored"
	"github.com/dwaynemcyrus/anchored/internal/profile"
)

var profileRoot string

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect local profiles",
	Long: `Each profile is a separate local database, so one device can keep
several accounts apart. Select one with --profile or ANCHORED_PROFILE.`,
}

var profileListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List local profiles with statistics",
	Args:    cobra.NoArgs,
	RunE:    runProfileList,
}

var profilePathCmd = &cobra.Command{
	Use:   "path [profile]",
	Short: "Print the database path of a profile",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		explicit := cfgProfile
		if len(args) == 1 {
			explicit = args[0]
		}
		id, err := profile.Resolve(explicit)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), profile.DBPathIn(rootDir(), id))
		return nil
	},
}

func init() {
	profileCmd.PersistentFlags().StringVar(&profileRoot, "root", "", "Profiles directory (default: ~/.anchored/profiles)")
	profileCmd.AddCommand(profileListCmd, profilePathCmd)
}

func rootDir() string {
	if profileRoot != "" {
		return profileRoot
	}
	return profile.Root()
}

// ProfileEntry is one row of profile list.
type ProfileEntry struct {
	ID        string     `json:"id" yaml:"id"`
	Path      string     `json:"path" yaml:"path"`
	Documents int        `json:"documents" yaml:"documents"`
	Unsynced  int        `json:"unsynced" yaml:"unsynced"`
	ClientID  string     `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	SyncedTo  *time.Time `json:"synced_to,omitempty" yaml:"synced_to,omitempty"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
}

func runProfileList(cmd *cobra.Command, args []string) error {
	root := rootDir()
	ids, err := profile.List(root)
	if err != nil {
		return err
	}

	entries := make([]ProfileEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, inspectProfile(root, id))
	}

	return output(cmd, entries, func(w io.Writer) error {
		if len(entries) == 0 {
			printWarning(w, "No profiles found in %s", root)
			printMuted(w, "A profile is created the first time it is used, e.g. anchored --profile work doc list")
			return nil
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			synced := "never"
			if e.SyncedTo != nil {
				synced = ago(*e.SyncedTo)
			}
			if e.Error != "" {
				synced = "error: " + truncate(e.Error, 30)
			}
			rows = append(rows, []string{e.ID, fmt.Sprint(e.Documents), fmt.Sprint(e.Unsynced), synced})
		}
		printInfo(w, "Profiles in %s (%d):", root, len(entries))
		fmt.Fprint(w, renderTable([]string{"PROFILE", "DOCUMENTS", "UNSYNCED", "SYNCED"}, rows))
		return nil
	})
}

// inspectProfile reads the stats, client id and cursor of a profile's store.
func inspectProfile(root, id string) ProfileEntry {
	entry := ProfileEntry{ID: id, Path: profile.DBPathIn(root, id)}
	s, err := anchored.OpenStore(entry.Path, anchored.StoreOptions{})
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	defer func() { _ = s.Close() }()

	if stats, err := s.Stats(); err == nil {
		entry.Documents = stats.Documents
		entry.Unsynced = stats.Dirty + stats.DirtyBodies
	} else {
		entry.Error = err.Error()
	}
	if cid, err := s.GetMeta(anchored.MetaClientID); err == nil {
		entry.ClientID = cid
	}
	if cursor, err := s.Cursor(); err == nil && !cursor.IsZero() {
		entry.SyncedTo = &cursor
	}
	return entry
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dwaynemcyrus/anchored"
)

// output writes v as JSON or YAML when requested, else calls human.
func output(cmd *cobra.Command, v any, human func(w io.Writer) error) error {
	switch {
	case outputJSON:
		return outputAsJSON(cmd, v)
	case outputYAML:
		return outputAsYAML(cmd, v)
	default:
		return human(cmd.OutOrStdout())
	}
}

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputAsYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// outputError prints an error to stderr with credentials scrubbed.
func outputError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %s\n", scrubSensitiveData(err.Error()))
}

// scrubSensitiveData redacts the API key and any DSN password from msg.
func scrubSensitiveData(msg string) string {
	if cfgAPIKey != "" {
		msg = strings.ReplaceAll(msg, cfgAPIKey, "[REDACTED]")
	}
	if u, err := url.Parse(cfgRemoteURL); err == nil && u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			msg = strings.ReplaceAll(msg, pw, "[REDACTED]")
		}
	}
	return msg
}

func outputDocument(cmd *cobra.Command, doc *anchored.Document) error {
	return output(cmd, doc, func(w io.Writer) error {
		printDocument(w, doc)
		return nil
	})
}

func printDocument(w io.Writer, doc *anchored.Document) {
	printField(w, "ID", doc.ID)
	printField(w, "Title", titleOf(doc))
	kind := doc.Type
	if doc.Subtype != "" {
		kind += "/" + doc.Subtype
	}
	printField(w, "Type", kind)
	printField(w, "Status", doc.Status)
	printField(w, "Version", doc.Version)
	if len(doc.Tags) > 0 {
		printField(w, "Tags", strings.Join(doc.Tags, ", "))
	}
	for _, k := range sortedKeys(doc.Frontmatter) {
		printField(w, k, doc.Frontmatter[k])
	}
	printField(w, "Updated", doc.UpdatedAt.Local().Format(time.RFC3339))
	if doc.IsDirty() {
		printWarning(w, "unsynced local changes")
	}
}

func outputDocuments(cmd *cobra.Command, docs []anchored.Document) error {
	if docs == nil {
		docs = []anchored.Document{}
	}
	return output(cmd, docs, func(w io.Writer) error {
		if len(docs) == 0 {
			printMuted(w, "No documents found.")
			return nil
		}
		rows := make([][]string, 0, len(docs))
		for i := range docs {
			d := &docs[i]
			synced := "yes"
			if d.IsDirty() {
				synced = "no"
			}
			rows = append(rows, []string{d.ID, d.Type, titleOf(d), string(d.Status), synced, ago(d.UpdatedAt)})
		}
		fmt.Fprint(w, renderTable([]string{"ID", "TYPE", "TITLE", "STATUS", "SYNCED", "UPDATED"}, rows))
		return nil
	})
}

func outputStatus(cmd *cobra.Command, st anchored.SyncStatus) error {
	return output(cmd, st, func(w io.Writer) error {
		switch st.State {
		case anchored.StateSynced, anchored.StateIdle:
			printSuccess(w, "%s", st.State)
		case anchored.StateError:
			printError(w, "%s: %s", st.State, st.LastError)
		default:
			printInfo(w, "%s", st.State)
		}
		if st.LastRunAt != nil {
			printField(w, "Last run", ago(*st.LastRunAt))
		}
		if st.Cursor != nil {
			printField(w, "Synced to", st.Cursor.Local().Format(time.RFC3339))
		} else {
			printField(w, "Synced to", "never")
		}
		printField(w, "Pending", st.Pending)
		printField(w, "Retrying", st.Retrying)
		printField(w, "Failed", st.Failed)
		return nil
	})
}

func outputSyncStats(cmd *cobra.Command, stats *anchored.SyncStats) error {
	return output(cmd, stats, func(w io.Writer) error {
		printSuccess(w, "Sync complete (took %s)", stats.Duration.Round(time.Millisecond))
		printField(w, "Pushed", stats.Pushed)
		if stats.Dropped > 0 {
			printField(w, "Dropped", stats.Dropped)
		}
		printField(w, "Pulled", fmt.Sprintf("%d documents, %d bodies", stats.Pulled, stats.PulledBodies))
		if stats.Conflicts > 0 {
			printWarning(w, "%d conflicts kept as copies", stats.Conflicts)
		}
		if stats.Failures > 0 {
			printWarning(w, "%d queue entries failed and will be retried", stats.Failures)
		}
		return nil
	})
}

func outputQueue(cmd *cobra.Command, entries []anchored.QueueEntry) error {
	if entries == nil {
		entries = []anchored.QueueEntry{}
	}
	return output(cmd, entries, func(w io.Writer) error {
		if len(entries) == 0 {
			printMuted(w, "Queue is empty.")
			return nil
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			next := ""
			if e.NextAttemptAt != nil {
				next = e.NextAttemptAt.Local().Format(time.TimeOnly)
			}
			rows = append(rows, []string{
				e.ID, string(e.Operation), string(e.Table), e.RecordID,
				string(e.Status), fmt.Sprint(e.RetryCount), next, truncate(e.LastError, 40),
			})
		}
		fmt.Fprint(w, renderTable([]string{"ID", "OP", "TABLE", "RECORD", "STATUS", "TRIES", "NEXT", "ERROR"}, rows))
		return nil
	})
}

func titleOf(doc *anchored.Document) string {
	if doc.Title == "" {
		return "(untitled)"
	}
	return doc.Title
}

func ago(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format(time.DateOnly)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func sortedKeys(fm anchored.Frontmatter) []string {
	return slices.Sorted(maps.Keys(fm))
}

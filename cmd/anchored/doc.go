package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dwaynemcyrus/anchored"
)

var docCmd = &cobra.Command{
	Use:     "doc",
	Aliases: []string{"docs"},
	Short:   "Read and write local documents",
	Long: `Read and write documents in the local database.

Every write is applied locally at once and queued for the remote; run
'anchored sync' (or 'anchored serve') to push it.`,
}

type docFlags struct {
	docType   string
	subtype   string
	title     string
	status    string
	tags      []string
	clearTags bool
	set       []string
	unset     []string
	body      string
	bodyFile  string
	dirty     bool
	limit     int
	showBody  bool
}

var docOpts docFlags

var docCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a document",
	Example: `  anchored doc create --type note --title "Groceries" --tag home --body "milk"
  anchored doc create --type habit --subtype daily --set streak=0 --set target=30
  echo "# Draft" | anchored doc create --type note --body-file -`,
	Args: cobra.NoArgs,
	RunE: runDocCreate,
}

var docGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocGet,
}

var docListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List documents, most recently updated first",
	Example: `  anchored doc list --type note --tag work
  anchored doc list --status trash
  anchored doc list --dirty --json`,
	Args: cobra.NoArgs,
	RunE: runDocList,
}

var docUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a document's metadata",
	Example: `  anchored doc update 0b5c2f5e-... --title "Groceries (done)"
  anchored doc update 0b5c2f5e-... --set pinned=true --unset due`,
	Args: cobra.ExactArgs(1),
	RunE: runDocUpdate,
}

var docBodyCmd = &cobra.Command{
	Use:   "body <id>",
	Short: "Show or replace a document's body",
	Example: `  anchored doc body 0b5c2f5e-...
  anchored doc body 0b5c2f5e-... --body "new content"
  anchored doc body 0b5c2f5e-... --body-file notes.md`,
	Args: cobra.ExactArgs(1),
	RunE: runDocBody,
}

// lifecycleCmd builds a one-argument status transition command.
func lifecycleCmd(use, short string, fn func(c *anchored.Client, ctx context.Context, id string) (*anchored.Document, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
				doc, err := fn(client, ctx, args[0])
				if err != nil {
					return fmt.Errorf("%s %s: %w", use, args[0], err)
				}
				if outputJSON || outputYAML {
					return outputDocument(cmd, doc)
				}
				printSuccess(cmd.OutOrStdout(), "%s: %s is now %s", titleOf(doc), doc.ID, doc.Status)
				return nil
			})
		},
	}
}

var (
	docArchiveCmd   = lifecycleCmd("archive", "Archive a document", (*anchored.Client).Archive)
	docUnarchiveCmd = lifecycleCmd("unarchive", "Move an archived document back to active", (*anchored.Client).Unarchive)
	docTrashCmd     = lifecycleCmd("trash", "Move a document to the trash", (*anchored.Client).Trash)
	docRestoreCmd   = lifecycleCmd("restore", "Restore a document from the trash", (*anchored.Client).Restore)
	docPurgeCmd     = lifecycleCmd("purge", "Delete a trashed document everywhere", (*anchored.Client).Purge)
)

func init() {
	f := docCreateCmd.Flags()
	f.StringVarP(&docOpts.docType, "type", "t", "", "Document type, e.g. note, habit, timer (required)")
	f.StringVar(&docOpts.subtype, "subtype", "", "Subtype within the type")
	f.StringVar(&docOpts.title, "title", "", "Title")
	f.StringVar(&docOpts.status, "status", "", "Initial status: active or archived (default: active)")
	f.StringArrayVar(&docOpts.tags, "tag", nil, "Tag (repeatable)")
	f.StringArrayVar(&docOpts.set, "set", nil, "Frontmatter field as key=value; values parse as YAML scalars (repeatable)")
	f.StringVar(&docOpts.body, "body", "", "Body content")
	f.StringVar(&docOpts.bodyFile, "body-file", "", "Read the body from a file, or - for stdin")
	_ = docCreateCmd.MarkFlagRequired("type")

	f = docGetCmd.Flags()
	f.BoolVar(&docOpts.showBody, "body", false, "Include the body")

	f = docListCmd.Flags()
	f.StringVarP(&docOpts.docType, "type", "t", "", "Filter by type")
	f.StringVar(&docOpts.subtype, "subtype", "", "Filter by subtype")
	f.StringVar(&docOpts.status, "status", "", "Filter by status: active, archived, trash (default: active and archived)")
	f.StringArrayVar(&docOpts.tags, "tag", nil, "Filter by tag")
	f.BoolVar(&docOpts.dirty, "dirty", false, "Only documents with unsynced changes")
	f.IntVarP(&docOpts.limit, "limit", "n", 0, "Maximum number of documents")

	f = docUpdateCmd.Flags()
	f.StringVarP(&docOpts.docType, "type", "t", "", "New type")
	f.StringVar(&docOpts.subtype, "subtype", "", "New subtype")
	f.StringVar(&docOpts.title, "title", "", "New title")
	f.StringArrayVar(&docOpts.tags, "tag", nil, "Replace the tag set (repeatable)")
	f.BoolVar(&docOpts.clearTags, "clear-tags", false, "Remove all tags")
	f.StringArrayVar(&docOpts.set, "set", nil, "Set a frontmatter field as key=value (repeatable)")
	f.StringArrayVar(&docOpts.unset, "unset", nil, "Remove a frontmatter field (repeatable)")

	f = docBodyCmd.Flags()
	f.StringVar(&docOpts.body, "body", "", "Replace the body with this content")
	f.StringVar(&docOpts.bodyFile, "body-file", "", "Replace the body from a file, or - for stdin")

	docCmd.AddCommand(docCreateCmd, docGetCmd, docListCmd, docUpdateCmd, docBodyCmd,
		docArchiveCmd, docUnarchiveCmd, docTrashCmd, docRestoreCmd, docPurgeCmd)
}

func runDocCreate(cmd *cobra.Command, args []string) error {
	fm, err := parseFields(docOpts.set)
	if err != nil {
		return err
	}
	in := anchored.CreateInput{
		Type:        docOpts.docType,
		Subtype:     docOpts.subtype,
		Title:       docOpts.title,
		Status:      anchored.Status(docOpts.status),
		Tags:        docOpts.tags,
		Frontmatter: fm,
	}
	body, ok, err := readBody(cmd)
	if err != nil {
		return err
	}
	if ok {
		in.Body = &body
	}

	return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
		doc, err := client.Create(ctx, in)
		if err != nil {
			return fmt.Errorf("create document: %w", err)
		}
		if outputJSON || outputYAML {
			return outputDocument(cmd, doc)
		}
		printSuccess(cmd.OutOrStdout(), "Created %s %s", doc.Type, doc.ID)
		return nil
	})
}

// documentView is a document together with its body, for get --body.
type documentView struct {
	anchored.Document `yaml:",inline"`
	Body              *string `json:"body,omitempty" yaml:"body,omitempty"`
}

func runDocGet(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
		doc, err := client.Lookup(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get %s: %w", args[0], err)
		}
		view := documentView{Document: *doc}
		if docOpts.showBody {
			body, err := client.GetBody(ctx, doc.ID)
			switch {
			case errors.Is(err, anchored.ErrNotFound):
			case err != nil:
				return fmt.Errorf("get body %s: %w", doc.ID, err)
			default:
				view.Body = &body.Content
			}
		}
		return output(cmd, view, func(w io.Writer) error {
			printDocument(w, doc)
			if view.Body != nil {
				fmt.Fprintln(w)
				fmt.Fprintln(w, renderMarkdown(*view.Body))
			}
			return nil
		})
	})
}

func runDocList(cmd *cobra.Command, args []string) error {
	filter := anchored.ListFilter{
		Type:      docOpts.docType,
		Subtype:   docOpts.subtype,
		Status:    anchored.Status(docOpts.status),
		DirtyOnly: docOpts.dirty,
		Limit:     docOpts.limit,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return fmt.Errorf("invalid status %q", filter.Status)
	}
	if len(docOpts.tags) > 1 {
		return errors.New("list accepts a single --tag")
	}
	if len(docOpts.tags) == 1 {
		filter.Tag = docOpts.tags[0]
	}

	return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
		docs, err := client.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		return outputDocuments(cmd, docs)
	})
}

func runDocUpdate(cmd *cobra.Command, args []string) error {
	var patch anchored.Patch
	flags := cmd.Flags()
	if flags.Changed("type") {
		patch.Type = &docOpts.docType
	}
	if flags.Changed("subtype") {
		patch.Subtype = &docOpts.subtype
	}
	if flags.Changed("title") {
		patch.Title = &docOpts.title
	}
	switch {
	case docOpts.clearTags:
		patch.Tags = []string{}
	case flags.Changed("tag"):
		patch.Tags = docOpts.tags
	}
	fm, err := parseFields(docOpts.set)
	if err != nil {
		return err
	}
	for _, key := range docOpts.unset {
		if fm == nil {
			fm = anchored.Frontmatter{}
		}
		fm[key] = nil
	}
	patch.Frontmatter = fm
	if patch.Type == nil && patch.Subtype == nil && patch.Title == nil && patch.Tags == nil && patch.Frontmatter == nil {
		return errors.New("nothing to update: pass --title, --type, --subtype, --tag, --clear-tags, --set or --unset")
	}

	return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
		doc, err := client.Update(ctx, args[0], patch)
		if err != nil {
			return fmt.Errorf("update %s: %w", args[0], err)
		}
		if outputJSON || outputYAML {
			return outputDocument(cmd, doc)
		}
		printSuccess(cmd.OutOrStdout(), "Updated %s", doc.ID)
		return nil
	})
}

func runDocBody(cmd *cobra.Command, args []string) error {
	content, replace, err := readBody(cmd)
	if err != nil {
		return err
	}

	return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
		if replace {
			body, err := client.SetBody(ctx, args[0], content)
			if err != nil {
				return fmt.Errorf("set body %s: %w", args[0], err)
			}
			if outputJSON || outputYAML {
				return output(cmd, body, nil)
			}
			printSuccess(cmd.OutOrStdout(), "Body of %s updated (%d bytes)", args[0], len(content))
			return nil
		}

		body, err := client.GetBody(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get body %s: %w", args[0], err)
		}
		return output(cmd, body, func(w io.Writer) error {
			fmt.Fprintln(w, renderMarkdown(body.Content))
			return nil
		})
	})
}

// readBody returns the body given by --body or --body-file, and whether
// either was set.
func readBody(cmd *cobra.Command) (string, bool, error) {
	flags := cmd.Flags()
	switch {
	case flags.Changed("body") && flags.Changed("body-file"):
		return "", false, errors.New("--body and --body-file are mutually exclusive")
	case flags.Changed("body"):
		return docOpts.body, true, nil
	case docOpts.bodyFile == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", false, fmt.Errorf("read body from stdin: %w", err)
		}
		return string(data), true, nil
	case docOpts.bodyFile != "":
		data, err := os.ReadFile(docOpts.bodyFile)
		if err != nil {
			return "", false, fmt.Errorf("read body: %w", err)
		}
		return string(data), true, nil
	default:
		return "", false, nil
	}
}

// parseFields turns key=value pairs into frontmatter. Values are decoded
// as YAML scalars, so "true" is a bool and "3" an int.
func parseFields(pairs []string) (anchored.Frontmatter, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	fm := make(anchored.Frontmatter, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: want key=value", pair)
		}
		if key == anchored.TagsKey {
			return nil, errors.New("set tags with --tag")
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		fm[key] = value
	}
	return fm, nil
}

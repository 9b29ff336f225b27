// Package postgres implements anchored.Remote over a Postgres database
// using pgx. Every query is scoped to one user id.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/dwaynemcyrus/anchored"
	"github.com/dwaynemcyrus/anchored/internal/remote/postgres/migrations"
)

const uniqueViolation = "23505"

const documentColumns = `id::text, type, subtype, title, status, frontmatter, version,
	created_at, updated_at, deleted_at, client_id`

// Options configures a Remote.
type Options struct {
	// DSN is a Postgres connection string.
	DSN string
	// UserID scopes every query.
	UserID string
	// MaxConns bounds the pool. Zero keeps the pgx default.
	MaxConns int32
	// ConnectAttempts is how many pings are tried before New gives up.
	ConnectAttempts uint64
	Logger          *log.Logger
}

// Remote is the Postgres-backed canonical datastore.
type Remote struct {
	pool   *pgxpool.Pool
	userID string
	logger *log.Logger
}

var _ anchored.Remote = (*Remote)(nil)

// New connects a pool and waits for the database to answer a ping.
func New(ctx context.Context, opts Options) (*Remote, error) {
	if opts.DSN == "" {
		return nil, &anchored.ValidationError{Field: "RemoteURL", Message: "required"}
	}
	if opts.UserID == "" {
		return nil, &anchored.ValidationError{Field: "UserID", Message: "required"}
	}
	if opts.ConnectAttempts == 0 {
		opts.ConnectAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
	}

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	backoff := retry.WithMaxRetries(opts.ConnectAttempts-1, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			opts.Logger.Debug("postgres not ready", "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, &anchored.SyncError{Operation: "connect", Err: err}
	}

	return &Remote{pool: pool, userID: opts.UserID, logger: opts.Logger.WithPrefix("postgres")}, nil
}

// Close releases the pool.
func (r *Remote) Close() {
	r.pool.Close()
}

// Migrate applies the canonical schema to the database at dsn.
func Migrate(ctx context.Context, dsn string) ([]*goose.MigrationResult, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("postgres: create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: run migrations: %w", err)
	}
	return results, nil
}

// ============================================================================
// Documents
// ============================================================================

// FetchSince returns documents updated after cursor, oldest first.
func (r *Remote) FetchSince(ctx context.Context, cursor time.Time) ([]anchored.Document, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+documentColumns+`
		FROM documents
		WHERE user_id = $1 AND updated_at > $2
		ORDER BY updated_at, id`, r.userID, cursor)
	if err != nil {
		return nil, r.fail("fetch documents", err)
	}
	docs, err := pgx.CollectRows(rows, scanDocument)
	if err != nil {
		return nil, r.fail("fetch documents", err)
	}
	r.logger.Debug("fetched documents", "cursor", cursor, "count", len(docs))
	return docs, nil
}

// FetchByID returns one document, including soft-deleted ones.
func (r *Remote) FetchByID(ctx context.Context, id string) (*anchored.Document, error) {
	if !anchored.IsRemoteID(id) {
		return nil, anchored.ErrNotFound
	}
	rows, err := r.pool.Query(ctx, `SELECT `+documentColumns+`
		FROM documents
		WHERE id = $1::uuid AND user_id = $2`, id, r.userID)
	if err != nil {
		return nil, r.fail("fetch document", err)
	}
	doc, err := pgx.CollectExactlyOneRow(rows, scanDocument)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, anchored.ErrNotFound
	}
	if err != nil {
		return nil, r.fail("fetch document", err)
	}
	return &doc, nil
}

// Insert creates doc at version 1.
func (r *Remote) Insert(ctx context.Context, doc anchored.Document) (*anchored.Document, error) {
	fm, err := encodeFrontmatter(doc)
	if err != nil {
		return nil, err
	}
	var created *time.Time
	if !doc.CreatedAt.IsZero() {
		created = &doc.CreatedAt
	}

	rows, err := r.pool.Query(ctx, `INSERT INTO documents
		(id, user_id, type, subtype, title, status, frontmatter, version, created_at, updated_at, deleted_at, client_id)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7::jsonb, 1, COALESCE($8, clock_timestamp()), clock_timestamp(), $9, $10)
		RETURNING `+documentColumns,
		doc.ID, r.userID, doc.Type, doc.Subtype, doc.Title, string(doc.Status), fm, created, doc.DeletedAt, doc.ClientID)
	if isUniqueViolation(err) {
		return nil, anchored.ErrAlreadyExists
	}
	if err != nil {
		return nil, r.fail("insert document", err)
	}
	stored, err := pgx.CollectExactlyOneRow(rows, scanDocument)
	if isUniqueViolation(err) {
		return nil, anchored.ErrAlreadyExists
	}
	if err != nil {
		return nil, r.fail("insert document", err)
	}
	r.logger.Debug("inserted document", "id", stored.ID)
	return &stored, nil
}

// UpdateWithVersion writes doc only while the row is at version expected.
func (r *Remote) UpdateWithVersion(ctx context.Context, id string, doc anchored.Document, expected int64) (*anchored.Document, error) {
	fm, err := encodeFrontmatter(doc)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `UPDATE documents SET
			type = $3, subtype = $4, title = $5, status = $6, frontmatter = $7::jsonb,
			deleted_at = $8, client_id = $9,
			version = version + 1, updated_at = clock_timestamp()
		WHERE id = $1::uuid AND user_id = $2 AND version = $10
		RETURNING `+documentColumns,
		id, r.userID, doc.Type, doc.Subtype, doc.Title, string(doc.Status), fm, doc.DeletedAt, doc.ClientID, expected)
	if err != nil {
		return nil, r.fail("update document", err)
	}
	stored, err := pgx.CollectExactlyOneRow(rows, scanDocument)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, anchored.ErrVersionConflict
	}
	if err != nil {
		return nil, r.fail("update document", err)
	}
	r.logger.Debug("updated document", "id", id, "version", stored.Version)
	return &stored, nil
}

// Delete removes the row. Its body goes with it by cascade.
func (r *Remote) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1::uuid AND user_id = $2`, id, r.userID)
	if err != nil {
		return r.fail("delete document", err)
	}
	if tag.RowsAffected() == 0 {
		return anchored.ErrNotFound
	}
	return nil
}

// ============================================================================
// Bodies
// ============================================================================

// FetchBodiesSince returns bodies updated after cursor, oldest first.
func (r *Remote) FetchBodiesSince(ctx context.Context, cursor time.Time) ([]anchored.Body, error) {
	rows, err := r.pool.Query(ctx, `SELECT document_id::text, content, updated_at
		FROM document_bodies
		WHERE user_id = $1 AND updated_at > $2
		ORDER BY updated_at, document_id`, r.userID, cursor)
	if err != nil {
		return nil, r.fail("fetch bodies", err)
	}
	bodies, err := pgx.CollectRows(rows, scanBody)
	if err != nil {
		return nil, r.fail("fetch bodies", err)
	}
	return bodies, nil
}

// FetchBodiesByIDs returns the bodies that exist for ids.
func (r *Remote) FetchBodiesByIDs(ctx context.Context, ids []string) ([]anchored.Body, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if anchored.IsRemoteID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `SELECT document_id::text, content, updated_at
		FROM document_bodies
		WHERE user_id = $1 AND document_id = ANY($2::uuid[])`, r.userID, valid)
	if err != nil {
		return nil, r.fail("fetch bodies", err)
	}
	bodies, err := pgx.CollectRows(rows, scanBody)
	if err != nil {
		return nil, r.fail("fetch bodies", err)
	}
	return bodies, nil
}

// UpsertBody writes a body. The owning document must exist for this user.
func (r *Remote) UpsertBody(ctx context.Context, body anchored.Body) (*anchored.Body, error) {
	rows, err := r.pool.Query(ctx, `INSERT INTO document_bodies (document_id, user_id, content, updated_at)
		SELECT id, user_id, $3, clock_timestamp()
		FROM documents WHERE id = $1::uuid AND user_id = $2
		ON CONFLICT (document_id) DO UPDATE
			SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at
		RETURNING document_id::text, content, updated_at`,
		body.DocumentID, r.userID, body.Content)
	if err != nil {
		return nil, r.fail("upsert body", err)
	}
	stored, err := pgx.CollectExactlyOneRow(rows, scanBody)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, anchored.ErrNotFound
	}
	if err != nil {
		return nil, r.fail("upsert body", err)
	}
	return &stored, nil
}

// Ping checks that the database answers.
func (r *Remote) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return r.fail("ping", err)
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func (r *Remote) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	r.logger.Debug("query failed", "op", op, "err", err)
	return &anchored.SyncError{Operation: op, Err: err}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func encodeFrontmatter(doc anchored.Document) (string, error) {
	fm := anchored.JoinTags(doc.Frontmatter, doc.Tags)
	raw, err := json.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("postgres: encode frontmatter of %s: %w", doc.ID, err)
	}
	return string(raw), nil
}

func scanDocument(row pgx.CollectableRow) (anchored.Document, error) {
	var doc anchored.Document
	var status string
	var raw []byte
	err := row.Scan(&doc.ID, &doc.Type, &doc.Subtype, &doc.Title, &status, &raw, &doc.Version,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.DeletedAt, &doc.ClientID)
	if err != nil {
		return doc, err
	}
	doc.Status = anchored.Status(status)

	var fm anchored.Frontmatter
	if err := json.Unmarshal(raw, &fm); err != nil {
		return doc, fmt.Errorf("decode frontmatter of %s: %w", doc.ID, err)
	}
	doc.Frontmatter, doc.Tags = anchored.SplitTags(fm)
	if len(doc.Frontmatter) == 0 {
		doc.Frontmatter = nil
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	if doc.DeletedAt != nil {
		t := doc.DeletedAt.UTC()
		doc.DeletedAt = &t
	}
	return doc, nil
}

func scanBody(row pgx.CollectableRow) (anchored.Body, error) {
	var b anchored.Body
	if err := row.Scan(&b.DocumentID, &b.Content, &b.UpdatedAt); err != nil {
		return b, err
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

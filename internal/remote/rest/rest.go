// Package rest implements anchored.Remote against a PostgREST-style HTTP
// API exposing the documents and document_bodies tables.
//
// The client never sends updated_at. The server must stamp it on every
// insert and update, or pulls on other devices miss the change. The
// Postgres migrations in internal/remote/postgres install the triggers
// that do this.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dwaynemcyrus/anchored"
)

// Postgres error codes surfaced in PostgREST error bodies.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Client implements anchored.Remote over HTTP.
// Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client
	logger     *log.Logger
}

var _ anchored.Remote = (*Client)(nil)

// NewClient creates a client for the API at baseURL, scoped to userID.
func NewClient(baseURL, apiKey, userID string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		userID:  userID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel}),
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *Client) WithHTTPClient(client *http.Client) *Client {
	c.httpClient = client
	return c
}

// WithLogger logs every request and response at debug level.
func (c *Client) WithLogger(logger *log.Logger) *Client {
	c.logger = logger.WithPrefix("rest")
	return c
}

// documentRow is the wire form of a document. Tags travel inside
// frontmatter.
type documentRow struct {
	ID          string               `json:"id"`
	UserID      string               `json:"user_id"`
	Type        string               `json:"type"`
	Subtype     string               `json:"subtype"`
	Title       string               `json:"title"`
	Status      anchored.Status      `json:"status"`
	Frontmatter anchored.Frontmatter `json:"frontmatter"`
	Version     int64                `json:"version"`
	CreatedAt   *time.Time           `json:"created_at,omitempty"`
	UpdatedAt   *time.Time           `json:"updated_at,omitempty"`
	DeletedAt   *time.Time           `json:"deleted_at"`
	ClientID    string               `json:"client_id"`
}

type bodyRow struct {
	DocumentID string     `json:"document_id"`
	UserID     string     `json:"user_id"`
	Content    string     `json:"content"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func (c *Client) toRow(doc anchored.Document) documentRow {
	row := documentRow{
		ID:          doc.ID,
		UserID:      c.userID,
		Type:        doc.Type,
		Subtype:     doc.Subtype,
		Title:       doc.Title,
		Status:      doc.Status,
		Frontmatter: anchored.JoinTags(doc.Frontmatter, doc.Tags),
		Version:     doc.Version,
		DeletedAt:   doc.DeletedAt,
		ClientID:    doc.ClientID,
	}
	if !doc.CreatedAt.IsZero() {
		created := doc.CreatedAt.UTC()
		row.CreatedAt = &created
	}
	return row
}

func fromRow(row documentRow) anchored.Document {
	doc := anchored.Document{
		ID:        row.ID,
		Type:      row.Type,
		Subtype:   row.Subtype,
		Title:     row.Title,
		Status:    row.Status,
		Version:   row.Version,
		DeletedAt: row.DeletedAt,
		ClientID:  row.ClientID,
	}
	if row.CreatedAt != nil {
		doc.CreatedAt = row.CreatedAt.UTC()
	}
	if row.UpdatedAt != nil {
		doc.UpdatedAt = row.UpdatedAt.UTC()
	}
	doc.Frontmatter, doc.Tags = anchored.SplitTags(row.Frontmatter)
	if len(doc.Frontmatter) == 0 {
		doc.Frontmatter = nil
	}
	return doc
}

func fromBodyRow(row bodyRow) anchored.Body {
	b := anchored.Body{DocumentID: row.DocumentID, Content: row.Content}
	if row.UpdatedAt != nil {
		b.UpdatedAt = row.UpdatedAt.UTC()
	}
	return b
}

// ============================================================================
// Documents
// ============================================================================

// FetchSince returns documents updated after cursor, oldest first.
func (c *Client) FetchSince(ctx context.Context, cursor time.Time) ([]anchored.Document, error) {
	q := c.scope()
	q.Set("updated_at", "gt."+formatTime(cursor))
	q.Set("order", "updated_at.asc,id.asc")

	var rows []documentRow
	if _, err := c.do(ctx, "fetch_since", http.MethodGet, "/documents", q, nil, "", &rows); err != nil {
		return nil, err
	}
	docs := make([]anchored.Document, len(rows))
	for i, row := range rows {
		docs[i] = fromRow(row)
	}
	return docs, nil
}

// FetchByID returns one document or ErrNotFound.
func (c *Client) FetchByID(ctx context.Context, id string) (*anchored.Document, error) {
	q := c.scope()
	q.Set("id", "eq."+id)

	var rows []documentRow
	if _, err := c.do(ctx, "fetch_by_id", http.MethodGet, "/documents", q, nil, "", &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, anchored.ErrNotFound
	}
	doc := fromRow(rows[0])
	return &doc, nil
}

// Insert creates doc at version 1.
func (c *Client) Insert(ctx context.Context, doc anchored.Document) (*anchored.Document, error) {
	row := c.toRow(doc)
	row.Version = 1

	var rows []documentRow
	_, err := c.do(ctx, "insert", http.MethodPost, "/documents", nil, row, "return=representation", &rows)
	if apiCode(err) == codeUniqueViolation {
		return nil, anchored.ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &anchored.SyncError{Operation: "insert", Err: errors.New("empty representation")}
	}
	created := fromRow(rows[0])
	return &created, nil
}

// UpdateWithVersion patches the row only while it is at version expected.
// An empty representation means no row matched.
func (c *Client) UpdateWithVersion(ctx context.Context, id string, doc anchored.Document, expected int64) (*anchored.Document, error) {
	row := c.toRow(doc)
	row.ID = id
	row.Version = expected + 1
	row.CreatedAt = nil

	q := c.scope()
	q.Set("id", "eq."+id)
	q.Set("version", fmt.Sprintf("eq.%d", expected))

	var rows []documentRow
	if _, err := c.do(ctx, "update_with_version", http.MethodPatch, "/documents", q, row, "return=representation", &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, anchored.ErrVersionConflict
	}
	updated := fromRow(rows[0])
	return &updated, nil
}

// Delete removes the row. The API cascades to its body.
func (c *Client) Delete(ctx context.Context, id string) error {
	q := c.scope()
	q.Set("id", "eq."+id)

	var rows []documentRow
	if _, err := c.do(ctx, "delete", http.MethodDelete, "/documents", q, nil, "return=representation", &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return anchored.ErrNotFound
	}
	return nil
}

// ============================================================================
// Bodies
// ============================================================================

// FetchBodiesSince returns bodies updated after cursor, oldest first.
func (c *Client) FetchBodiesSince(ctx context.Context, cursor time.Time) ([]anchored.Body, error) {
	q := c.scope()
	q.Set("updated_at", "gt."+formatTime(cursor))
	q.Set("order", "updated_at.asc,document_id.asc")

	var rows []bodyRow
	if _, err := c.do(ctx, "fetch_bodies_since", http.MethodGet, "/document_bodies", q, nil, "", &rows); err != nil {
		return nil, err
	}
	bodies := make([]anchored.Body, len(rows))
	for i, row := range rows {
		bodies[i] = fromBodyRow(row)
	}
	return bodies, nil
}

// FetchBodiesByIDs returns the bodies that exist for ids.
func (c *Client) FetchBodiesByIDs(ctx context.Context, ids []string) ([]anchored.Body, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := c.scope()
	q.Set("document_id", "in.("+strings.Join(ids, ",")+")")

	var rows []bodyRow
	if _, err := c.do(ctx, "fetch_bodies_by_ids", http.MethodGet, "/document_bodies", q, nil, "", &rows); err != nil {
		return nil, err
	}
	bodies := make([]anchored.Body, len(rows))
	for i, row := range rows {
		bodies[i] = fromBodyRow(row)
	}
	return bodies, nil
}

// UpsertBody writes a body, merging on document_id. A missing document
// surfaces as ErrNotFound.
func (c *Client) UpsertBody(ctx context.Context, body anchored.Body) (*anchored.Body, error) {
	q := url.Values{}
	q.Set("on_conflict", "document_id")
	row := bodyRow{DocumentID: body.DocumentID, UserID: c.userID, Content: body.Content}

	var rows []bodyRow
	_, err := c.do(ctx, "upsert_body", http.MethodPost, "/document_bodies", q, row,
		"resolution=merge-duplicates,return=representation", &rows)
	if apiCode(err) == codeForeignKeyViolation {
		return nil, anchored.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &anchored.SyncError{Operation: "upsert_body", Err: errors.New("empty representation")}
	}
	stored := fromBodyRow(rows[0])
	return &stored, nil
}

// Ping issues a minimal read.
func (c *Client) Ping(ctx context.Context) error {
	q := c.scope()
	q.Set("select", "id")
	q.Set("limit", "1")
	var rows []json.RawMessage
	_, err := c.do(ctx, "ping", http.MethodGet, "/documents", q, nil, "", &rows)
	return err
}

// ============================================================================
// Transport
// ============================================================================

func (c *Client) scope() url.Values {
	q := url.Values{}
	q.Set("user_id", "eq."+c.userID)
	return q
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", "anchored-client/1.0")
	req.Header.Set("Accept", "application/json")
}

// do sends one request and decodes a 2xx JSON response into out.
func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, in any, prefer string, out any) (int, error) {
	reqURL := c.baseURL + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, &anchored.SyncError{Operation: op, Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return 0, &anchored.SyncError{Operation: op, Err: err}
	}
	c.setHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, &anchored.SyncError{Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("request", "op", op, "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, newSyncError(op, resp.StatusCode, respBody)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, &anchored.SyncError{Operation: op, StatusCode: resp.StatusCode, Err: err}
	}
	return resp.StatusCode, nil
}

// codedError carries the PostgREST error code inside a SyncError.
type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func newSyncError(op string, statusCode int, body []byte) *anchored.SyncError {
	msg := ""
	if len(body) > 0 {
		if len(body) > 200 {
			msg = string(body[:200]) + "..."
		} else {
			msg = string(body)
		}
	}
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	return &anchored.SyncError{
		Operation:  op,
		StatusCode: statusCode,
		Err:        &codedError{code: apiErr.Code, msg: fmt.Sprintf("HTTP %d: %s", statusCode, msg)},
	}
}

// apiCode extracts the PostgREST error code from err, if any.
func apiCode(err error) string {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return ""
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

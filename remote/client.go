/*
Package remote talks to the hosted relational backend.

PURPOSE:
  Client implements generic.RemoteStore over the backend's REST surface:
  a PostgREST-style table API plus named procedures. Memory is an in-process
  stand-in with failure injection for tests.

WIRE FORMAT:
  GET    /rest/v1/{table}?select=a,b&col=eq.v&order=col.desc
  POST   /rest/v1/{table}              body: row           -> [row]
  PATCH  /rest/v1/{table}?id=eq.{id}   body: patch         -> [row]
  DELETE /rest/v1/{table}?id=eq.{id}
  POST   /rest/v1/rpc/{fn}             body: args          -> any JSON

  Every request carries "Authorization: Bearer <access token>". Error
  bodies are {"code": "...", "message": "..."}.

ERRORS:
  Transport failures and 5xx/408/429 become ErrRemoteUnavailable, 404
  ErrNotFound, 401 ErrUnauthenticated, any other non-2xx
  ErrRemoteRejected. See generic.RemoteError.

SEE ALSO:
  - api/server.go: the reference backend serving this surface
  - auth/session.go: the token source
*/
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/coachdesk/generic"
)

// TokenSource supplies the bearer token of the current session.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// HealthReporter is told about every call's transport outcome.
type HealthReporter interface {
	ReportFailure(err error)
	ReportSuccess()
}

// Client is the HTTP RemoteStore.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	health  HealthReporter
	log     logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHealthReporter feeds call outcomes to a connectivity monitor.
func WithHealthReporter(h HealthReporter) Option {
	return func(c *Client) { c.health = h }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		tokens:  tokens,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ generic.RemoteStore = (*Client)(nil)

// =============================================================================
// TABLE OPERATIONS
// =============================================================================

func (c *Client) Select(ctx context.Context, table generic.Table, q generic.Query) ([]generic.Record, error) {
	var rows []generic.Record
	err := c.do(ctx, call{
		op:     "select",
		table:  table,
		method: http.MethodGet,
		path:   "/rest/v1/" + url.PathEscape(string(table)),
		query:  encodeQuery(q),
	}, &rows)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []generic.Record{}
	}
	return rows, nil
}

func (c *Client) Insert(ctx context.Context, table generic.Table, record generic.Record) (generic.Record, error) {
	var rows []generic.Record
	err := c.do(ctx, call{
		op:     "insert",
		table:  table,
		method: http.MethodPost,
		path:   "/rest/v1/" + url.PathEscape(string(table)),
		body:   record,
	}, &rows)
	if err != nil {
		return nil, err
	}
	return single("insert", table, rows)
}

func (c *Client) Update(ctx context.Context, table generic.Table, id string, patch generic.Record) (generic.Record, error) {
	var rows []generic.Record
	err := c.do(ctx, call{
		op:     "update",
		table:  table,
		method: http.MethodPatch,
		path:   "/rest/v1/" + url.PathEscape(string(table)),
		query:  url.Values{generic.ColumnID: {"eq." + id}},
		body:   patch,
	}, &rows)
	if err != nil {
		return nil, err
	}
	return single("update", table, rows)
}

func (c *Client) Delete(ctx context.Context, table generic.Table, id string) error {
	return c.do(ctx, call{
		op:     "delete",
		table:  table,
		method: http.MethodDelete,
		path:   "/rest/v1/" + url.PathEscape(string(table)),
		query:  url.Values{generic.ColumnID: {"eq." + id}},
	}, nil)
}

// Call invokes the named procedure and returns its raw JSON result.
func (c *Client) Call(ctx context.Context, fn string, args any) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, call{
		op:     "rpc:" + fn,
		method: http.MethodPost,
		path:   "/rest/v1/rpc/" + url.PathEscape(fn),
		body:   args,
	}, &out)
	return out, err
}

// =============================================================================
// TRANSPORT
// =============================================================================

type call struct {
	op     string
	table  generic.Table
	method string
	path   string
	query  url.Values
	body   any
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, cl call, out any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("remote %s: %w", cl.op, err)
	}

	var body io.Reader
	if cl.body != nil {
		raw, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("remote %s: encode body: %w", cl.op, err)
		}
		body = bytes.NewReader(raw)
	}

	target := c.baseURL + cl.path
	if len(cl.query) > 0 {
		target += "?" + cl.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, target, body)
	if err != nil {
		return fmt.Errorf("remote %s: %w", cl.op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		rerr := &generic.RemoteError{Op: cl.op, Table: cl.table, Err: err}
		c.reportFailure(rerr)
		return rerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		rerr := &generic.RemoteError{Op: cl.op, Table: cl.table, Err: err}
		c.reportFailure(rerr)
		return rerr
	}

	c.log.WithFields(logrus.Fields{
		"op":       cl.op,
		"table":    cl.table,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("remote call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		if eb.Message == "" {
			eb.Message = strings.TrimSpace(string(data))
		}
		rerr := &generic.RemoteError{Op: cl.op, Table: cl.table, Status: resp.StatusCode, Code: eb.Code, Message: eb.Message}
		if generic.IsRetryable(rerr) {
			c.reportFailure(rerr)
		} else if c.health != nil {
			// the backend answered, so it is reachable
			c.health.ReportSuccess()
		}
		return rerr
	}

	if c.health != nil {
		c.health.ReportSuccess()
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("remote %s: decode response: %w", cl.op, err)
	}
	return nil
}

func (c *Client) reportFailure(err error) {
	if c.health != nil {
		c.health.ReportFailure(err)
	}
}

// encodeQuery renders q in PostgREST query syntax.
func encodeQuery(q generic.Query) url.Values {
	v := url.Values{}
	if len(q.Columns) > 0 {
		v.Set("select", strings.Join(q.Columns, ","))
	}
	for _, f := range q.Filters {
		v.Add(f.Column, "eq."+generic.Record{"v": f.Value}.String("v"))
	}
	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			parts[i] = o.Column + "." + dir
		}
		v.Set("order", strings.Join(parts, ","))
	}
	return v
}

// DecodeQuery parses the PostgREST query syntax produced by encodeQuery.
// Parameters other than select, order and eq filters are rejected.
func DecodeQuery(v url.Values) (generic.Query, error) {
	var q generic.Query
	for key, values := range v {
		switch key {
		case "select":
			if s := values[0]; s != "" && s != "*" {
				q.Columns = strings.Split(s, ",")
			}
		case "order":
			for _, part := range strings.Split(values[0], ",") {
				col, dir, _ := strings.Cut(part, ".")
				switch dir {
				case "", "asc":
					q.Order = append(q.Order, generic.OrderBy{Column: col})
				case "desc":
					q.Order = append(q.Order, generic.OrderBy{Column: col, Desc: true})
				default:
					return q, fmt.Errorf("order %q: unknown direction %q", col, dir)
				}
			}
		default:
			for _, raw := range values {
				op, val, ok := strings.Cut(raw, ".")
				if !ok || op != "eq" {
					return q, fmt.Errorf("filter %q: only eq is supported", key)
				}
				q.Filters = append(q.Filters, generic.Filter{Column: key, Value: val})
			}
		}
	}
	return q, nil
}

func single(op string, table generic.Table, rows []generic.Record) (generic.Record, error) {
	if len(rows) == 0 {
		return nil, &generic.RemoteError{Op: op, Table: table, Status: http.StatusNotFound, Message: "no row returned"}
	}
	return rows[0], nil
}

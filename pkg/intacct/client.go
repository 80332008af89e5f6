// Package intacct is the client for the Sage Intacct REST object API.
//
// Every call obtains its access token from a TokenProvider immediately
// before the request is sent. A 401 or 403 response invalidates the token and
// repeats the call once with a fresh one. Rate limiting and server errors are
// retried with backoff; anything the client cannot interpret is a protocol
// error and is not retried.
package intacct

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/clients"
	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/json"
	"github.com/ajitpratap0/intacct-extractor/pkg/logger"
	"github.com/ajitpratap0/intacct-extractor/pkg/metrics"
	"github.com/ajitpratap0/intacct-extractor/pkg/retry"
)

const (
	modelPath = "/services/core/model"
	queryPath = "/services/core/query"

	// maxErrorBody bounds how much of an error response is kept for messages.
	maxErrorBody = 512
)

// Operation names used for metrics, spans and retry logs.
const (
	OpListObjects    = "list_objects"
	OpDescribeObject = "describe_object"
	OpFetchPage      = "fetch_page"
)

// TokenProvider supplies access tokens. It is implemented by *auth.TokenManager.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
	Invalidate()
}

// Client calls the object API.
type Client struct {
	baseURL string
	tokens  TokenProvider
	http    *clients.HTTPClient
	retry   *retry.Policy
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records requests and retries on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Client) { c.metrics = collector }
}

// WithTracer sets the tracer used for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithRetryPolicy sets the policy for rate limited and failed requests.
func WithRetryPolicy(policy *retry.Policy) Option {
	return func(c *Client) { c.retry = policy }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, tokens TokenProvider, httpClient *clients.HTTPClient, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = clients.NewHTTPClient(nil, nil)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
		retry:   retry.DefaultPolicy(),
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("github.com/ajitpratap0/intacct-extractor/pkg/intacct"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "intacct_client"))
	return c
}

// ListObjects returns the objects that can be read with GET.
func (c *Client) ListObjects(ctx context.Context) ([]ObjectDescriptor, error) {
	body, err := c.call(ctx, OpListObjects, http.MethodGet, modelPath, nil, nil)
	if err != nil {
		return nil, err
	}

	result := gjson.GetBytes(body, "ia\\:\\:result")
	if !result.IsArray() {
		return nil, protocolError(OpListObjects, "ia::result is not an array")
	}

	var objects []ObjectDescriptor
	result.ForEach(func(_, item gjson.Result) bool {
		name := item.Get("apiObject").String()
		if name == "" {
			return true
		}
		switch item.Get("type").String() {
		case "rootObject", "ownedObject", "object":
		default:
			return true
		}
		methods := httpMethods(item.Get("httpMethods"))
		if !containsFold(methods, http.MethodGet) {
			return true
		}
		objects = append(objects, ObjectDescriptor{
			Name:    name,
			Type:    item.Get("type").String(),
			Methods: methods,
		})
		return true
	})

	c.logger.Info("listed objects", zap.Int("count", len(objects)))
	return objects, nil
}

// DescribeObject returns the field list and primary key candidates of object.
// When the model lists no fields they are inferred from a single record.
func (c *Client) DescribeObject(ctx context.Context, object string) (*ObjectSchema, error) {
	query := url.Values{}
	query.Set("name", object)
	query.Set("schema", "true")

	body, err := c.call(ctx, OpDescribeObject, http.MethodGet, modelPath, query, nil)
	if err != nil {
		return nil, err
	}

	result := gjson.GetBytes(body, "ia\\:\\:result")
	if result.IsArray() {
		result = result.Get("0")
	}
	schema := &ObjectSchema{Name: object}
	if !result.Exists() || result.Type == gjson.Null {
		c.logger.Warn("no model information found", zap.String("object", object))
		return schema, nil
	}
	if !result.IsObject() {
		return nil, protocolError(OpDescribeObject, "ia::result is not an object").WithDetail("object", object)
	}

	appendFields := func(fields gjson.Result) {
		fields.ForEach(func(name, _ gjson.Result) bool {
			if !isMetadataKey(name.String()) {
				schema.Fields = append(schema.Fields, name.String())
			}
			return true
		})
	}
	appendFields(result.Get("fields"))
	result.Get("groups").ForEach(func(_, group gjson.Result) bool {
		appendFields(group.Get("fields"))
		return true
	})
	schema.PrimaryKeyCandidates = primaryKeyCandidates(result, schema)

	if len(schema.Fields) == 0 {
		c.logger.Warn("model lists no fields, inferring from data", zap.String("object", object))
		page, err := c.FetchPage(ctx, PageRequest{Object: object, PageSize: 1})
		if err != nil {
			return nil, err
		}
		schema.Fields = page.Columns
		schema.Inferred = true
	}
	return schema, nil
}

// primaryKeyCandidates reads idField from the model, falling back to the
// conventional key fields when the model lists them.
func primaryKeyCandidates(model gjson.Result, schema *ObjectSchema) []string {
	if id := model.Get("idField").String(); id != "" {
		return []string{id}
	}
	for _, name := range []string{"key", "id"} {
		if schema.HasField(name) {
			return []string{name}
		}
	}
	return nil
}

type queryRequest struct {
	Object           string                         `json:"object"`
	Fields           []string                       `json:"fields,omitempty"`
	Filters          []map[string]map[string]string `json:"filters,omitempty"`
	FilterExpression string                         `json:"filterExpression,omitempty"`
	Start            int                            `json:"start"`
	Size             int                            `json:"size"`
}

// FetchPage fetches one page of a query. The cursor is the 1-based start
// index returned as ia::meta.next by the previous page.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*PageResult, error) {
	start := 1
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 1 {
			return nil, protocolError(OpFetchPage, "invalid page cursor").
				WithDetail("object", req.Object).
				WithDetail("cursor", req.Cursor)
		}
		start = n
	}

	payload := queryRequest{
		Object: req.Object,
		Fields: req.Columns,
		Start:  start,
		Size:   config.ClampPageSize(req.PageSize),
	}
	if !req.Filter.IsZero() {
		payload.Filters = []map[string]map[string]string{
			{"$gte": {req.Filter.Field: req.Filter.Value}},
		}
		payload.FilterExpression = "1"
	}

	body, err := c.call(ctx, OpFetchPage, http.MethodPost, queryPath, nil, payload)
	if err != nil {
		return nil, err
	}

	page, err := parsePage(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "unexpected query response").
			WithDetail("object", req.Object).
			WithDetail("start", start)
	}
	if page.NextCursor == strconv.Itoa(start) {
		return nil, protocolError(OpFetchPage, "query returned a cursor that does not advance").
			WithDetail("object", req.Object).
			WithDetail("start", start)
	}
	if c.metrics != nil {
		c.metrics.PageFetched(req.Object, len(page.Records))
	}
	return page, nil
}

func parsePage(body []byte) (*PageResult, error) {
	result := gjson.GetBytes(body, "ia\\:\\:result")
	if !result.IsArray() {
		return nil, errors.New(errors.ErrorTypeProtocol, "ia::result is not an array")
	}

	page := &PageResult{}
	seen := make(map[string]bool)
	var parseErr error
	result.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			parseErr = errors.New(errors.ErrorTypeProtocol, "record is not an object")
			return false
		}
		rec := make(Record)
		item.ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			if isMetadataKey(name) {
				return true
			}
			v, err := decodeValue(value)
			if err != nil {
				parseErr = errors.Wrapf(err, errors.ErrorTypeProtocol, "field %q", name)
				return false
			}
			rec[name] = v
			if !seen[name] {
				seen[name] = true
				page.Columns = append(page.Columns, name)
			}
			return true
		})
		if parseErr != nil {
			return false
		}
		page.Records = append(page.Records, rec)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	next := gjson.GetBytes(body, "ia\\:\\:meta.next")
	switch next.Type {
	case gjson.Null:
	case gjson.Number:
		if n := next.Int(); n > 0 {
			page.NextCursor = strconv.FormatInt(n, 10)
		}
	case gjson.String:
		if s := next.String(); s != "" && s != "0" {
			if _, err := strconv.Atoi(s); err != nil {
				return nil, errors.Newf(errors.ErrorTypeProtocol, "ia::meta.next %q is not a start index", s)
			}
			page.NextCursor = s
		}
	default:
		return nil, errors.New(errors.ErrorTypeProtocol, "ia::meta.next is not a start index")
	}
	return page, nil
}

func decodeValue(value gjson.Result) (interface{}, error) {
	switch value.Type {
	case gjson.Null:
		return nil, nil
	case gjson.String:
		return value.String(), nil
	case gjson.True, gjson.False:
		return value.Bool(), nil
	case gjson.Number:
		return json.Number(value.Raw), nil
	default:
		var v interface{}
		if err := json.UnmarshalUseNumber([]byte(value.Raw), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// call sends one logical request, retrying transient failures and repeating
// it once with a fresh token after an authentication failure.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, payload interface{}) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "intacct."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("url.path", path),
	))
	defer span.End()

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode request")
		}
	}

	log := logger.WithContext(ctx, c.logger)
	policy := c.retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		reason := retryReason(err)
		if c.metrics != nil {
			c.metrics.APIRetry(op, reason)
		}
		log.Warn("request failed, retrying",
			zap.String("operation", op),
			zap.String("reason", reason),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})

	reauthorized := false
	var out []byte
	err := policy.Execute(ctx, func(ctx context.Context) error {
		for {
			resp, err := c.send(ctx, op, method, path, query, body)
			if err != nil {
				return err
			}
			if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
				if reauthorized {
					return errors.Newf(errors.ErrorTypeAuthentication,
						"%s rejected the access token after a refresh", op).
						WithDetail("status", resp.status)
				}
				reauthorized = true
				log.Info("access token rejected, refreshing", zap.String("operation", op), zap.Int("status", resp.status))
				c.tokens.Invalidate()
				continue
			}
			if err := classifyStatus(op, resp, c.now()); err != nil {
				return err
			}
			if !gjson.ValidBytes(resp.body) {
				return protocolError(op, "response is not valid JSON")
			}
			out = resp.body
			return nil
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.TypeOf(err)))
		return nil, err
	}
	return out, nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, body []byte) (*response, error) {
	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timer := metrics.NewTimer()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, "error", timer.Stop())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var urlErr *url.Error
		if stderrors.As(err, &urlErr) {
			return nil, errors.Wrap(err, errors.ErrorTypeTransient, "request failed").
				WithDetail("reason", "network").
				AsRetryable()
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.observe(op, strconv.Itoa(resp.StatusCode), timer.Stop())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "failed to read response").
			WithDetail("reason", "network").
			AsRetryable()
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (c *Client) observe(op, status string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveRequest(op, status, d)
	}
}

// classifyStatus maps a non-auth response status onto the error taxonomy.
func classifyStatus(op string, resp *response, now time.Time) error {
	switch {
	case resp.status >= 200 && resp.status < 300:
		return nil
	case resp.status == http.StatusTooManyRequests:
		return errors.Newf(errors.ErrorTypeTransient, "%s was rate limited", op).
			WithDetail("status", resp.status).
			WithDetail("reason", "rate_limited").
			WithRetryAfter(clients.ParseRetryAfter(resp.header.Get("Retry-After"), now))
	case resp.status >= 500:
		return errors.Newf(errors.ErrorTypeTransient, "%s failed with status %d", op, resp.status).
			WithDetail("status", resp.status).
			WithDetail("reason", "server_error").
			WithRetryAfter(clients.ParseRetryAfter(resp.header.Get("Retry-After"), now))
	default:
		return protocolError(op, "unexpected status "+strconv.Itoa(resp.status)).
			WithDetail("status", resp.status).
			WithDetail("body", truncate(resp.body, maxErrorBody))
	}
}

func protocolError(op, message string) *errors.Error {
	return errors.Newf(errors.ErrorTypeProtocol, "%s: %s", op, message)
}

func retryReason(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		if reason, ok := e.Details["reason"].(string); ok {
			return reason
		}
	}
	return "unknown"
}

func httpMethods(v gjson.Result) []string {
	if v.IsArray() {
		var out []string
		v.ForEach(func(_, m gjson.Result) bool {
			out = append(out, strings.ToUpper(m.String()))
			return true
		})
		return out
	}
	var out []string
	for _, m := range strings.FieldsFunc(v.String(), func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, strings.ToUpper(m))
	}
	return out
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

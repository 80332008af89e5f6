// Package testutil provides an in-process mock of the Intacct token and
// object API for tests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ajitpratap0/intacct-extractor/pkg/json"
)

// MockObject is an object served by MockIntacctAPI.
type MockObject struct {
	Name    string
	Type    string // defaults to rootObject
	Methods string // defaults to "GET,POST"
	IDField string
	Fields  []string
	Groups  map[string][]string
	Records []map[string]interface{}
}

// QueryLog records one query request.
type QueryLog struct {
	Object string
	Token  string
	Start  int
	Size   int
	Fields []string
	Filter map[string]string // field -> lower bound
}

// MockIntacctAPI emulates the token endpoint with single-use refresh tokens
// and the model and query endpoints over fixed data.
type MockIntacctAPI struct {
	Server *httptest.Server

	mu           sync.Mutex
	objects      map[string]*MockObject
	order        []string
	validRefresh map[string]bool
	validAccess  map[string]bool
	issued       int
	tokenCalls   int
	modelCalls   int
	queries      []QueryLog
	failNext     []int
	failFrom     int
	failStatus   int
}

// NewMockIntacctAPI starts a mock server. Call Close when done.
func NewMockIntacctAPI(objects ...*MockObject) *MockIntacctAPI {
	m := &MockIntacctAPI{
		objects:      make(map[string]*MockObject),
		validRefresh: make(map[string]bool),
		validAccess:  make(map[string]bool),
	}
	for _, obj := range objects {
		m.AddObject(obj)
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the API base URL.
func (m *MockIntacctAPI) URL() string { return m.Server.URL }

// TokenURL returns the token endpoint URL.
func (m *MockIntacctAPI) TokenURL() string { return m.Server.URL + "/oauth2/token" }

// Close shuts the server down.
func (m *MockIntacctAPI) Close() { m.Server.Close() }

// AddObject registers obj.
func (m *MockIntacctAPI) AddObject(obj *MockObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj.Type == "" {
		obj.Type = "rootObject"
	}
	if obj.Methods == "" {
		obj.Methods = "GET,POST"
	}
	if _, ok := m.objects[obj.Name]; !ok {
		m.order = append(m.order, obj.Name)
	}
	m.objects[obj.Name] = obj
}

// AcceptRefreshToken makes token usable for exactly one refresh.
func (m *MockIntacctAPI) AcceptRefreshToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validRefresh[token] = true
}

// AcceptAccessToken makes token valid for API calls.
func (m *MockIntacctAPI) AcceptAccessToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validAccess[token] = true
}

// RevokeAccessToken makes token invalid for API calls.
func (m *MockIntacctAPI) RevokeAccessToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.validAccess, token)
}

// FailNext makes the next API (not token) requests return the given statuses in order.
func (m *MockIntacctAPI) FailNext(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, statuses...)
}

// FailQueriesFrom makes every query request after the first n return status.
// A zero status clears the failure.
func (m *MockIntacctAPI) FailQueriesFrom(n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFrom = n
	m.failStatus = status
}

// TokenCalls returns how many token requests were received.
func (m *MockIntacctAPI) TokenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCalls
}

// ModelCalls returns how many model requests were received.
func (m *MockIntacctAPI) ModelCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelCalls
}

// Queries returns the query requests received so far.
func (m *MockIntacctAPI) Queries() []QueryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QueryLog(nil), m.queries...)
}

// QueriesFor returns the query requests for one object.
func (m *MockIntacctAPI) QueriesFor(object string) []QueryLog {
	var out []QueryLog
	for _, q := range m.Queries() {
		if q.Object == object {
			out = append(out, q)
		}
	}
	return out
}

func (m *MockIntacctAPI) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/oauth2/token" {
		m.handleToken(w, r)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !m.validAccess[token] {
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return
	}
	if len(m.failNext) > 0 {
		status := m.failNext[0]
		m.failNext = m.failNext[1:]
		writeError(w, status, "injected failure")
		return
	}

	switch {
	case r.URL.Path == "/services/core/model" && r.Method == http.MethodGet:
		m.modelCalls++
		if name := r.URL.Query().Get("name"); name != "" {
			m.handleDescribe(w, name)
			return
		}
		m.handleList(w)
	case r.URL.Path == "/services/core/query" && r.Method == http.MethodPost:
		m.handleQuery(w, r, token)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (m *MockIntacctAPI) handleToken(w http.ResponseWriter, r *http.Request) {
	m.tokenCalls++
	if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	rt := r.Form.Get("refresh_token")
	if !m.validRefresh[rt] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	delete(m.validRefresh, rt)
	m.issued++
	access := fmt.Sprintf("at-%d", m.issued)
	refresh := fmt.Sprintf("rt-%d", m.issued)
	m.validAccess[access] = true
	m.validRefresh[refresh] = true
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func (m *MockIntacctAPI) handleList(w http.ResponseWriter) {
	items := make([]map[string]interface{}, 0, len(m.order))
	for _, name := range m.order {
		obj := m.objects[name]
		items = append(items, map[string]interface{}{
			"apiObject":   obj.Name,
			"type":        obj.Type,
			"httpMethods": obj.Methods,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ia::result": items})
}

func (m *MockIntacctAPI) handleDescribe(w http.ResponseWriter, name string) {
	obj, ok := m.objects[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown object "+name)
		return
	}

	// built by hand so field order is preserved
	var b strings.Builder
	b.WriteString(`{"ia::result":{"apiObject":`)
	b.WriteString(strconv.Quote(obj.Name))
	if obj.IDField != "" {
		b.WriteString(`,"idField":`)
		b.WriteString(strconv.Quote(obj.IDField))
	}
	b.WriteString(`,"fields":`)
	writeFieldMap(&b, obj.Fields)
	if len(obj.Groups) > 0 {
		b.WriteString(`,"groups":{`)
		names := make([]string, 0, len(obj.Groups))
		for g := range obj.Groups {
			names = append(names, g)
		}
		sort.Strings(names)
		for i, g := range names {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(g))
			b.WriteString(`:{"fields":`)
			writeFieldMap(&b, obj.Groups[g])
			b.WriteByte('}')
		}
		b.WriteByte('}')
	}
	b.WriteString(`}}`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, b.String())
}

func writeFieldMap(b *strings.Builder, fields []string) {
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(f))
		b.WriteString(`:{"type":"string"}`)
	}
	b.WriteByte('}')
}

type queryBody struct {
	Object           string                         `json:"object"`
	Fields           []string                       `json:"fields"`
	Filters          []map[string]map[string]string `json:"filters"`
	FilterExpression string                         `json:"filterExpression"`
	Start            int                            `json:"start"`
	Size             int                            `json:"size"`
}

func (m *MockIntacctAPI) handleQuery(w http.ResponseWriter, r *http.Request, token string) {
	var q queryBody
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	entry := QueryLog{Object: q.Object, Token: token, Start: q.Start, Size: q.Size, Fields: q.Fields}
	for _, f := range q.Filters {
		for field, bound := range f["$gte"] {
			if entry.Filter == nil {
				entry.Filter = make(map[string]string)
			}
			entry.Filter[field] = bound
		}
	}
	m.queries = append(m.queries, entry)

	if m.failStatus != 0 && len(m.queriesForLocked(q.Object)) > m.failFrom {
		writeError(w, m.failStatus, "injected failure")
		return
	}

	obj, ok := m.objects[q.Object]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown object "+q.Object)
		return
	}
	if q.Start < 1 || q.Size < 1 || q.Size > 10000 {
		writeError(w, http.StatusBadRequest, "invalid start or size")
		return
	}

	var matched []map[string]interface{}
	for _, rec := range obj.Records {
		if matches(rec, entry.Filter) {
			matched = append(matched, rec)
		}
	}

	from := q.Start - 1
	if from > len(matched) {
		from = len(matched)
	}
	to := from + q.Size
	if to > len(matched) {
		to = len(matched)
	}

	page := make([]map[string]interface{}, 0, to-from)
	for _, rec := range matched[from:to] {
		out := map[string]interface{}{"ia::meta": map[string]interface{}{"object": obj.Name}}
		for k, v := range rec {
			if len(q.Fields) == 0 || contains(q.Fields, k) {
				out[k] = v
			}
		}
		page = append(page, out)
	}

	var next interface{}
	if to < len(matched) {
		next = to + 1
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ia::result": page,
		"ia::meta": map[string]interface{}{
			"totalCount": len(matched),
			"start":      q.Start,
			"pageSize":   q.Size,
			"next":       next,
		},
	})
}

// queriesForLocked returns the queries for object; the caller holds the lock.
func (m *MockIntacctAPI) queriesForLocked(object string) []QueryLog {
	var out []QueryLog
	for _, q := range m.queries {
		if q.Object == object {
			out = append(out, q)
		}
	}
	return out
}

func matches(rec map[string]interface{}, filter map[string]string) bool {
	for field, bound := range filter {
		v, ok := rec[field]
		if !ok || fmt.Sprint(v) < bound {
			return false
		}
	}
	return true
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"ia::error": map[string]string{"message": message},
	})
}

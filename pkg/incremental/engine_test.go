package incremental

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/intacct-extractor/internal/testutil"
	"github.com/ajitpratap0/intacct-extractor/pkg/clients"
	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/intacct"
	"github.com/ajitpratap0/intacct-extractor/pkg/pagination"
	"github.com/ajitpratap0/intacct-extractor/pkg/retry"
	"github.com/ajitpratap0/intacct-extractor/pkg/state"
)

type staticToken string

func (s staticToken) GetValidToken(context.Context) (string, error) { return string(s), nil }
func (staticToken) Invalidate() {}

type collectHandler struct {
	batches  [][]intacct.Record
	indexes  []int
	position int64
	failOn   int
}

func (h *collectHandler) HandlePage(_ context.Context, page *pagination.Page) error {
	if page.Index == h.failOn {
		return errors.New(errors.ErrorTypeOutput, "disk full")
	}
	h.batches = append(h.batches, page.Records)
	h.indexes = append(h.indexes, page.Index)
	h.position += int64(len(page.Records))
	return nil
}

func (h *collectHandler) Position() int64 { return h.position }

func (h *collectHandler) records() int {
	n := 0
	for _, b := range h.batches {
		n += len(b)
	}
	return n
}

// countingStore records checkpoint calls.
type countingStore struct {
	*state.Store
	checkpoints []state.Checkpoint
}

func (c *countingStore) Checkpoint(ctx context.Context, name string, cp state.Checkpoint) error {
	c.checkpoints = append(c.checkpoints, cp)
	return c.Store.Checkpoint(ctx, name, cp)
}

func datedRecords(firstDay, n int) []map[string]interface{} {
	records := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		day := firstDay + i
		records = append(records, map[string]interface{}{
			"key":          fmt.Sprintf("%d", day),
			"WHENMODIFIED": fmt.Sprintf("2024-01-%02dT00:00:00Z", day),
		})
	}
	return records
}

type fixture struct {
	api    *testutil.MockIntacctAPI
	client *intacct.Client
	store  *countingStore
}

func newFixture(t *testing.T, objects ...*testutil.MockObject) *fixture {
	t.Helper()
	api := testutil.NewMockIntacctAPI(objects...)
	api.AcceptAccessToken("good")
	t.Cleanup(api.Close)

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.EnableHTTP2 = false
	client := intacct.NewClient(api.URL(), staticToken("good"), clients.NewHTTPClient(httpCfg, nil),
		intacct.WithRetryPolicy(&retry.Policy{MaxAttempts: 1}))

	store, err := state.NewStore(context.Background(), state.NewMemoryBackend())
	require.NoError(t, err)
	return &fixture{api: api, client: client, store: &countingStore{Store: store}}
}

func (f *fixture) engine(opts ...Option) *Engine {
	return NewEngine(f.client, f.store, opts...)
}

func vendor(initialSince string, pageSize int) Object {
	return Object{
		Name:             "vendor",
		Incremental:      true,
		IncrementalField: "WHENMODIFIED",
		InitialSince:     initialSince,
		PrimaryKey:       []string{"key"},
		PageSize:         pageSize,
	}
}

func run(t *testing.T, e *Engine, obj Object, h Handler) (*Plan, *Result, string) {
	t.Helper()
	ctx := context.Background()
	plan, err := e.Plan(ctx, obj)
	require.NoError(t, err)
	result, err := e.Extract(ctx, plan, h)
	require.NoError(t, err)
	wm, err := e.Finalize(ctx, plan, result)
	require.NoError(t, err)
	return plan, result, wm
}

func TestInitialSinceScenario(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor", Records: datedRecords(2, 3)})
	handler := &collectHandler{}

	plan, result, wm := run(t, f.engine(), vendor("2024-01-01T00:00:00Z", 2), handler)

	assert.Equal(t, "2024-01-01T00:00:00Z", plan.LowerBound)
	assert.Len(t, handler.batches, 2)
	assert.Equal(t, 3, handler.records())
	assert.Equal(t, 3, result.Records)
	assert.Equal(t, "2024-01-04T00:00:00Z", wm)
	assert.Equal(t, "2024-01-04T00:00:00Z", f.store.Object("vendor").LastWatermark)

	queries := f.api.Queries()
	require.Len(t, queries, 2)
	assert.Equal(t, map[string]string{"WHENMODIFIED": "2024-01-01T00:00:00Z"}, queries[0].Filter)
}

func TestRerunWithoutNewDataKeepsWatermark(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor", Records: datedRecords(2, 3)})
	e := f.engine()

	_, _, first := run(t, e, vendor("2024-01-01T00:00:00Z", 2), &collectHandler{})
	handler := &collectHandler{}
	plan, _, second := run(t, e, vendor("2024-01-01T00:00:00Z", 2), handler)

	assert.Equal(t, first, plan.LowerBound, "the committed watermark wins over initial_since")
	assert.Equal(t, first, second)
	// the boundary record is delivered again
	assert.Equal(t, 1, handler.records())
}

func TestWatermarkNeverMovesBackward(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor"})
	e := f.engine()
	ctx := context.Background()
	obj := vendor("", 10)

	candidates := []string{
		"2024-03-01T00:00:00Z",
		"2024-02-01T00:00:00Z",
		"",
		"2024-03-01 12:00:00",
		"2024-01-01",
		"2024-03-02T00:00:00Z",
	}
	previous := ""
	for _, c := range candidates {
		plan, err := e.Plan(ctx, obj)
		require.NoError(t, err)
		wm, err := e.Finalize(ctx, plan, &Result{Candidate: c})
		require.NoError(t, err)
		if previous != "" {
			assert.GreaterOrEqual(t, Compare(wm, previous), 0, "watermark %s fell below %s", wm, previous)
		}
		previous = wm
	}
	assert.Equal(t, "2024-03-02T00:00:00Z", previous)
}

func TestResumeAfterInterruption(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor", Records: datedRecords(1, 10)})
	e := f.engine()
	ctx := context.Background()
	obj := vendor("", 2)

	// the fourth page fails after three pages were handed off
	f.api.FailQueriesFrom(3, http.StatusBadRequest)
	plan, err := e.Plan(ctx, obj)
	require.NoError(t, err)
	first := &collectHandler{}
	_, err = e.Extract(ctx, plan, first)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProtocol))
	assert.Equal(t, []int{1, 2, 3}, first.indexes)

	st := f.store.Object("vendor")
	assert.Empty(t, st.LastWatermark, "a failed run commits nothing")
	assert.True(t, st.HasCheckpoint())
	assert.Equal(t, "7", st.PageCursor)
	assert.Equal(t, 3, st.PagesDone)
	assert.Equal(t, int64(6), st.OutputOffset)
	assert.Equal(t, "2024-01-06T00:00:00Z", st.PendingWatermark)

	f.api.FailQueriesFrom(0, 0)
	queriesBefore := len(f.api.Queries())
	plan, err = e.Plan(ctx, obj)
	require.NoError(t, err)
	assert.True(t, plan.Resumed)
	assert.Equal(t, int64(6), plan.OutputOffset)

	second := &collectHandler{position: plan.OutputOffset}
	result, err := e.Extract(ctx, plan, second)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, second.indexes, "the resumed run starts at page 4")
	assert.Equal(t, 7, f.api.Queries()[queriesBefore].Start)

	wm, err := e.Finalize(ctx, plan, result)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10T00:00:00Z", wm)
	assert.False(t, f.store.Object("vendor").InProgress)
}

func TestStaleCheckpointIsDiscarded(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor", Records: datedRecords(1, 4)})
	ctx := context.Background()
	require.NoError(t, f.store.CommitWatermark(ctx, "vendor", "2024-01-02T00:00:00Z"))
	require.NoError(t, f.store.Store.Checkpoint(ctx, "vendor", state.Checkpoint{
		Cursor: "3", RunLowerBound: "2023-12-01T00:00:00Z", PagesDone: 1,
	}))

	plan, err := f.engine().Plan(ctx, vendor("", 2))
	require.NoError(t, err)
	assert.False(t, plan.Resumed)
	assert.Equal(t, "2024-01-02T00:00:00Z", plan.LowerBound)
	assert.False(t, f.store.Object("vendor").InProgress)
}

func TestCheckpointInterval(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor", Records: datedRecords(1, 10)})

	run(t, f.engine(WithCheckpointInterval(2)), vendor("", 2), &collectHandler{})

	require.Len(t, f.store.checkpoints, 2)
	assert.Equal(t, 2, f.store.checkpoints[0].PagesDone)
	assert.Equal(t, 4, f.store.checkpoints[1].PagesDone)
	assert.Equal(t, "9", f.store.checkpoints[1].Cursor)
}

func TestFullLoad(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor", Records: datedRecords(1, 5)})
	handler := &collectHandler{}
	obj := Object{Name: "vendor", PrimaryKey: []string{"key"}, PageSize: 10}

	plan, result, wm := run(t, f.engine(), obj, handler)

	assert.True(t, plan.Filter.IsZero())
	assert.Empty(t, result.Candidate)
	assert.Empty(t, wm)
	assert.Equal(t, 5, handler.records())
	assert.Nil(t, f.api.Queries()[0].Filter)
}

func TestNoLowerBoundExtractsEverything(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor", Records: datedRecords(1, 3)})
	handler := &collectHandler{}

	plan, _, wm := run(t, f.engine(), vendor("", 10), handler)

	assert.True(t, plan.Filter.IsZero())
	assert.Equal(t, 3, handler.records())
	assert.Equal(t, "2024-01-03T00:00:00Z", wm)
}

func TestEmptyResultLeavesWatermark(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor"})
	ctx := context.Background()
	require.NoError(t, f.store.CommitWatermark(ctx, "vendor", "2024-01-05T00:00:00Z"))
	handler := &collectHandler{}

	_, result, wm := run(t, f.engine(), vendor("", 10), handler)

	assert.Equal(t, 1, result.Pages)
	assert.Zero(t, result.Records)
	assert.Equal(t, "2024-01-05T00:00:00Z", wm)
}

func TestMissingIncrementalFieldLeavesWatermark(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor", Records: []map[string]interface{}{
		{"key": "1"}, {"key": "2"},
	}})

	_, result, wm := run(t, f.engine(), vendor("", 10), &collectHandler{})

	assert.Equal(t, 2, result.Records)
	assert.Empty(t, wm)
}

func TestHandlerFailureCommitsNothing(t *testing.T) {
	f := newFixture(t, &testutil.MockObject{Name: "vendor", Records: datedRecords(1, 6)})
	e := f.engine()
	ctx := context.Background()

	plan, err := e.Plan(ctx, vendor("", 2))
	require.NoError(t, err)
	_, err = e.Extract(ctx, plan, &collectHandler{failOn: 2})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeOutput))

	st := f.store.Object("vendor")
	assert.Empty(t, st.LastWatermark)
	assert.Equal(t, 1, st.PagesDone)
	assert.Len(t, f.api.Queries(), 2, "no page is fetched after the failed hand-off")
}

func TestPrimaryKeyResolution(t *testing.T) {
	t.Run("from metadata", func(t *testing.T) {
		f := newFixture(t, &testutil.MockObject{Name: "vendor", IDField: "key", Fields: []string{"key", "name"}})
		obj := vendor("", 10)
		obj.PrimaryKey = nil

		plan, err := f.engine().Plan(context.Background(), obj)
		require.NoError(t, err)
		assert.Equal(t, []string{"key"}, plan.PrimaryKey)
		assert.Equal(t, 1, f.api.ModelCalls())
	})

	t.Run("configured", func(t *testing.T) {
		f := newFixture(t, &testutil.MockObject{Name: "vendor", IDField: "key"})
		obj := vendor("", 10)
		obj.PrimaryKey = []string{"id", "line"}

		plan, err := f.engine().Plan(context.Background(), obj)
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "line"}, plan.PrimaryKey)
		assert.Zero(t, f.api.ModelCalls())
	})
}

func TestPlanRejectsIncompleteObject(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	_, err := e.Plan(context.Background(), Object{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = e.Plan(context.Background(), Object{Name: "vendor", Incremental: true})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestObjectFromConfig(t *testing.T) {
	ep := config.EndpointConfig{
		Endpoint:     "/accounts-payable/vendor/",
		Columns:      []string{"key", "name"},
		InitialSince: "2024-01-01",
	}
	obj, err := ObjectFromConfig(ep, 500)
	require.NoError(t, err)

	assert.Equal(t, "accounts-payable/vendor", obj.Name)
	assert.True(t, obj.Incremental)
	assert.Equal(t, "WHENMODIFIED", obj.IncrementalField)
	assert.Equal(t, "2024-01-01T00:00:00Z", obj.InitialSince)
	assert.Equal(t, []string{"key", "name", "WHENMODIFIED"}, obj.Columns)
	assert.Equal(t, 500, obj.PageSize)
}

package actions

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/intacct-extractor/internal/pipeline"
	"github.com/ajitpratap0/intacct-extractor/internal/testutil"
	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/state"
)

func newSession(t *testing.T, api *testutil.MockIntacctAPI) (*pipeline.Session, *state.Store) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.API.BaseURL = api.URL()
	cfg.Authorization = config.AuthorizationConfig{
		ID:        "auth-1",
		AppKey:    "client",
		AppSecret: "secret",
		Data:      config.OAuthData{RefreshToken: "rt-0"},
	}
	cfg.Reliability.RetryAttempts = 1
	cfg.Reliability.RefreshAttempts = 1

	store, err := state.NewStore(context.Background(), state.NewMemoryBackend())
	require.NoError(t, err)
	session := pipeline.NewSession(cfg, store,
		pipeline.WithRetrySleep(func(context.Context, time.Duration) error { return nil }))
	t.Cleanup(func() { _ = session.Close() })
	return session, store
}

func newAPI(t *testing.T) *testutil.MockIntacctAPI {
	t.Helper()
	api := testutil.NewMockIntacctAPI(
		&testutil.MockObject{
			Name:    "accounts-payable/vendor",
			IDField: "key",
			Fields:  []string{"id", "key", "name", "WHENMODIFIED"},
			Groups:  map[string][]string{"audit": {"createdBy"}},
		},
		&testutil.MockObject{Name: "company-config/department", Fields: []string{"id", "key"}},
		&testutil.MockObject{Name: "accounts-payable/bill-line", Type: "ownedObject", Methods: "POST"},
	)
	t.Cleanup(api.Close)
	api.AcceptRefreshToken("rt-0")
	return api
}

func TestListEndpoints(t *testing.T) {
	api := newAPI(t)
	session, store := newSession(t, api)

	elements, err := ListEndpoints(context.Background(), session.Client)
	require.NoError(t, err)
	assert.Equal(t, []Element{
		{Value: "accounts-payable/vendor", Label: "accounts-payable/vendor"},
		{Value: "company-config/department", Label: "company-config/department"},
	}, elements)

	// the rotated refresh token is kept even though nothing else is written
	assert.Equal(t, "rt-1", store.Credentials().RefreshToken)
	assert.Empty(t, store.Snapshot().Objects)
}

func TestListColumns(t *testing.T) {
	api := newAPI(t)
	session, _ := newSession(t, api)

	elements, err := ListColumns(context.Background(), session.Client, "accounts-payable/vendor")
	require.NoError(t, err)

	values := make([]string, 0, len(elements))
	for _, e := range elements {
		values = append(values, e.Value)
	}
	assert.Equal(t, []string{"id", "key", "name", "WHENMODIFIED", "createdBy"}, values)
}

func TestListPrimaryKeys(t *testing.T) {
	api := newAPI(t)
	session, _ := newSession(t, api)

	elements, err := ListPrimaryKeys(context.Background(), session.Client, "accounts-payable/vendor")
	require.NoError(t, err)
	require.Len(t, elements, 5)
	assert.Equal(t, Element{Value: "key", Label: "key (primary key)"}, elements[0])
	assert.Equal(t, "id", elements[1].Value)

	elements, err = ListPrimaryKeys(context.Background(), session.Client, "company-config/department")
	require.NoError(t, err)
	assert.Equal(t, "key", elements[0].Value)
}

func TestEndpointRequired(t *testing.T) {
	api := newAPI(t)
	session, _ := newSession(t, api)

	_, err := ListColumns(context.Background(), session.Client, "  ")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Equal(t, 0, api.ModelCalls())
	assert.Equal(t, 0, api.TokenCalls())
}

func TestTestConnection(t *testing.T) {
	api := newAPI(t)
	session, _ := newSession(t, api)

	status, err := TestConnection(context.Background(), session.Client)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, status))
	assert.Equal(t, "{\"status\":\"success\"}\n", buf.String())
}

func TestTestConnectionWithRevokedRefreshToken(t *testing.T) {
	api := testutil.NewMockIntacctAPI()
	t.Cleanup(api.Close)
	session, store := newSession(t, api)

	_, err := TestConnection(context.Background(), session.Client)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.Nil(t, store.Credentials())
}

func TestWriteElements(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []Element{{Value: "vendor", Label: "vendor"}}))
	assert.JSONEq(t, `[{"value":"vendor","label":"vendor"}]`, buf.String())
}

package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), backend, WithNowFunc(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return s
}

func TestCredentialSetMatchesAuthID(t *testing.T) {
	creds := &CredentialSet{AuthID: "cred-1"}

	assert.True(t, creds.MatchesAuthID("cred-1"))
	assert.True(t, creds.MatchesAuthID(" cred-1 "))
	assert.False(t, creds.MatchesAuthID("CRED-1"))
	assert.False(t, creds.MatchesAuthID("cred-2"))
	assert.False(t, (&CredentialSet{}).MatchesAuthID(""))
	assert.False(t, (*CredentialSet)(nil).MatchesAuthID("cred-1"))
}

func TestCredentialSetExpired(t *testing.T) {
	creds := &CredentialSet{AccessToken: "at", ExpiresAt: fixedNow.Add(5 * time.Minute)}

	assert.False(t, creds.Expired(fixedNow, time.Minute))
	assert.True(t, creds.Expired(fixedNow, 5*time.Minute), "expiring exactly at the margin counts as expired")
	assert.True(t, creds.Expired(fixedNow.Add(10*time.Minute), 0))
	assert.True(t, (&CredentialSet{ExpiresAt: fixedNow.Add(time.Hour)}).Expired(fixedNow, 0), "missing access token")
}

func TestStoreCredentialsRoundTrip(t *testing.T) {
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)
	assert.Nil(t, s.Credentials())

	creds := &CredentialSet{AccessToken: "at-1", RefreshToken: "rt-1", AuthID: "cred-1", ExpiresAt: fixedNow.Add(time.Hour)}
	require.NoError(t, s.SaveCredentials(context.Background(), creds))

	// mutating the caller's copy must not leak into the store
	creds.RefreshToken = "tampered"
	assert.Equal(t, "rt-1", s.Credentials().RefreshToken)

	reloaded := newTestStore(t, backend)
	got := reloaded.Credentials()
	require.NotNil(t, got)
	assert.Equal(t, "rt-1", got.RefreshToken)
	assert.True(t, got.ExpiresAt.Equal(fixedNow.Add(time.Hour)))
	assert.Equal(t, int64(1), reloaded.Snapshot().Version)
}

func TestStoreRejectsIncompleteCredentials(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	err := s.SaveCredentials(context.Background(), &CredentialSet{AccessToken: "at"})
	require.Error(t, err)
	assert.Nil(t, s.Credentials())
}

func TestStoreFailedSaveKeepsPreviousDocument(t *testing.T) {
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, s.CommitWatermark(ctx, "vendor", "2024-01-01T00:00:00Z"))

	backend.FailSave = fmt.Errorf("disk full")
	err := s.CommitWatermark(ctx, "vendor", "2024-02-01T00:00:00Z")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeState))

	assert.Equal(t, "2024-01-01T00:00:00Z", s.Object("vendor").LastWatermark)
	assert.Equal(t, int64(1), s.Snapshot().Version)
}

func TestStoreCheckpointAndCommit(t *testing.T) {
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, s.Checkpoint(ctx, "vendor", Checkpoint{
		Cursor: "2001", PendingWatermark: "2024-01-03T00:00:00Z", RunLowerBound: "2024-01-01T00:00:00Z", PagesDone: 2,
	}))

	obj := newTestStore(t, backend).Object("vendor")
	assert.True(t, obj.HasCheckpoint())
	assert.Equal(t, "2001", obj.PageCursor)
	assert.Equal(t, 2, obj.PagesDone)
	assert.Equal(t, fixedNow, obj.UpdatedAt)
	assert.Empty(t, obj.LastWatermark)

	require.NoError(t, s.CommitWatermark(ctx, "vendor", "2024-01-04T00:00:00Z"))
	obj = newTestStore(t, backend).Object("vendor")
	assert.False(t, obj.HasCheckpoint())
	assert.Empty(t, obj.PendingWatermark)
	assert.Equal(t, "2024-01-04T00:00:00Z", obj.LastWatermark)

	// an empty watermark keeps the committed one
	require.NoError(t, s.CommitWatermark(ctx, "vendor", ""))
	assert.Equal(t, "2024-01-04T00:00:00Z", s.Object("vendor").LastWatermark)
}

func TestStoreResetProgress(t *testing.T) {
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, s.ResetProgress(ctx, "unknown"))
	assert.Equal(t, 0, backend.Saves(), "nothing to reset is not a write")

	require.NoError(t, s.CommitWatermark(ctx, "vendor", "w1"))
	require.NoError(t, s.Checkpoint(ctx, "vendor", Checkpoint{Cursor: "11", RunLowerBound: "w1", PagesDone: 1}))
	require.NoError(t, s.ResetProgress(ctx, "vendor"))

	obj := s.Object("vendor")
	assert.False(t, obj.InProgress)
	assert.Empty(t, obj.PageCursor)
	assert.Equal(t, "w1", obj.LastWatermark)
}

func TestStoreObjectsAreIndependent(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	ctx := context.Background()

	require.NoError(t, s.CommitWatermark(ctx, "vendor", "a"))
	require.NoError(t, s.Checkpoint(ctx, "customer", Checkpoint{Cursor: "5"}))

	assert.Equal(t, "a", s.Object("vendor").LastWatermark)
	assert.False(t, s.Object("vendor").InProgress)
	assert.True(t, s.Object("customer").InProgress)
}

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/shipper/artifact"
	"github.com/GoCodeAlone/shipper/deploy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testResult(status deploy.Status) (deploy.Request, deploy.Result) {
	started := time.Now().Add(-3 * time.Second)
	req := deploy.Request{
		Artifact:    artifact.Reference{Name: "app.war", SourceURL: "https://example.com/app.war"},
		TargetHost:  "web-1.example.com",
		TargetPath:  "/opt/tomcat/webapps/app.war",
		ServiceName: "tomcat",
	}
	res := deploy.Result{
		ID:          uuid.NewString(),
		Status:      status,
		DurationMs:  3000,
		Logs:        []string{"stage: fetching", "stage: transferring"},
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
	}
	return req, res
}

func TestRecordAndGet(t *testing.T) {
	s := openTestStore(t)
	req, res := testResult(deploy.StatusSucceeded)
	res.Reason = ""

	require.NoError(t, s.Record(context.Background(), req, res))

	rec, err := s.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, rec.ID)
	assert.Equal(t, "web-1.example.com", rec.TargetHost)
	assert.Equal(t, "tomcat", rec.ServiceName)
	assert.Equal(t, "app.war", rec.Artifact)
	assert.Equal(t, string(deploy.StatusSucceeded), rec.Status)
	assert.Equal(t, int64(3000), rec.DurationMs)
	assert.Equal(t, res.Logs, rec.Logs)
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		req, res := testResult(deploy.StatusFailed)
		res.CompletedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Record(context.Background(), req, res))
	}

	records, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].CompletedAt.After(records[2].CompletedAt))
}

func TestListLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		req, res := testResult(deploy.StatusSucceeded)
		require.NoError(t, s.Record(context.Background(), req, res))
	}

	records, err := s.List(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRecordPreservesFailureReason(t *testing.T) {
	s := openTestStore(t)
	req, res := testResult(deploy.StatusRolledBack)
	res.Reason = "activating failed: remote command \"restart-service\" (index 2) exited 1"

	require.NoError(t, s.Record(context.Background(), req, res))

	rec, err := s.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Reason, rec.Reason)
	assert.Equal(t, string(deploy.StatusRolledBack), rec.Status)
}

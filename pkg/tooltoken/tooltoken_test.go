package tooltoken

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AppLetico/clasper/pkg/audit"
	"github.com/AppLetico/clasper/pkg/errs"
	"github.com/AppLetico/clasper/pkg/store"
)

func testService(t *testing.T) (*Service, *audit.Log) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log := audit.NewLog(db, 5)
	return NewService(db, []byte("tool-secret"), log), log
}

func issueReq() *IssueRequest {
	return &IssueRequest{
		TenantID:    "t1",
		WorkspaceID: "ws1",
		AdapterID:   "a1",
		ExecutionID: "exec-1",
		Tool:        "shell.exec",
		Scope:       map[string]any{"cwd": "/tmp", "args": []any{"ls"}},
		TTLSeconds:  60,
	}
}

func TestIssueVerifyConsume(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	res, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.NotEmpty(t, res.JTI)
	assert.True(t, res.ExpiresAt.After(time.Now()))
	assert.Contains(t, res.ScopeHash, "sha256:")

	claims, err := s.Verify(ctx, "t1", res.Token)
	require.NoError(t, err)
	assert.Equal(t, "shell.exec", claims.Tool)
	assert.Equal(t, res.ScopeHash, claims.ScopeHash)
	assert.Equal(t, res.JTI, claims.ID)

	ok, err := s.Consume(ctx, "t1", res.JTI)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second consume fails.
	ok, err = s.Consume(ctx, "t1", res.JTI)
	require.NoError(t, err)
	assert.False(t, ok)

	// Verify after consumption reports used.
	_, err = s.Verify(ctx, "t1", res.Token)
	assert.Equal(t, errs.KindToolTokenUsed, errs.KindOf(err))
}

func TestIssue_ScopeHashIsCanonical(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	a := issueReq()
	a.Scope = map[string]any{"b": 2, "a": 1}
	b := issueReq()
	b.Scope = map[string]any{"a": 1, "b": 2}

	ra, err := s.Issue(ctx, a)
	require.NoError(t, err)
	rb, err := s.Issue(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, ra.ScopeHash, rb.ScopeHash)
	assert.NotEqual(t, ra.JTI, rb.JTI)
}

func TestVerify_TenantMismatch(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()
	res, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)

	_, err = s.Verify(ctx, "t2", res.Token)
	assert.Equal(t, errs.KindInvalidToolToken, errs.KindOf(err))
}

func TestVerify_Tampered(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()
	res, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)

	_, err = s.Verify(ctx, "t1", res.Token+"x")
	assert.Equal(t, errs.KindInvalidToolToken, errs.KindOf(err))
}

func TestConsume_ConcurrentSingleWinner(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()
	res, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Consume(ctx, "t1", res.JTI)
			if err == nil && ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	assert.Equal(t, 1, won, "exactly one concurrent consume must win")

	ok, err := s.Consume(ctx, "t1", res.JTI)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIssueAndConsume_AreAudited(t *testing.T) {
	s, log := testService(t)
	ctx := context.Background()
	res, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)
	_, err = s.VerifyAndConsume(ctx, "t1", res.Token)
	require.NoError(t, err)

	entries, err := log.Query(ctx, "t1", audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.EventToolTokenIssued, entries[0].EventType)
	assert.Equal(t, audit.EventToolTokenConsumed, entries[1].EventType)
}

func TestVerifyAndConsume_SecondCallFails(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()
	res, err := s.Issue(ctx, issueReq())
	require.NoError(t, err)

	_, err = s.VerifyAndConsume(ctx, "t1", res.Token)
	require.NoError(t, err)

	_, err = s.VerifyAndConsume(ctx, "t1", res.Token)
	assert.Equal(t, errs.KindToolTokenUsed, errs.KindOf(err))
}

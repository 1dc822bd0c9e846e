package audit

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AppLetico/clasper/pkg/store"
)

func testLog(t *testing.T) (*Log, *sql.DB) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLog(db, 5), db
}

func TestAppend_SequencesDensely(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := l.Append(ctx, "t1", EventExecutionDecision, "test", nil, map[string]any{"i": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.Seq)
	}

	entries, err := l.Query(ctx, "t1", Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Nil(t, entries[0].PrevHash)
	for i := 1; i < len(entries); i++ {
		require.NotNil(t, entries[i].PrevHash)
		assert.Equal(t, entries[i-1].EntryHash, *entries[i].PrevHash)
	}
}

func TestAppend_TenantsAreIndependent(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()

	res1, err := l.Append(ctx, "t1", EventPolicyChange, "a", nil, map[string]any{})
	require.NoError(t, err)
	res2, err := l.Append(ctx, "t2", EventPolicyChange, "a", nil, map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res1.Seq)
	assert.Equal(t, int64(1), res2.Seq)

	entries, err := l.Query(ctx, "t1", Filter{})
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "t1", e.TenantID)
	}
}

func TestVerifyChain_OK(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, "t1", EventExecutionDecision, "test", nil, map[string]any{"i": i})
		require.NoError(t, err)
	}

	report, err := l.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, int64(10), report.Entries)
	assert.Empty(t, report.Failures)
}

func TestVerifyChain_DetectsTamperedEventData(t *testing.T) {
	l, db := testLog(t)
	ctx := context.Background()
	_, err := l.Append(ctx, "t1", EventExecutionDecision, "test", nil, map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = l.Append(ctx, "t1", EventExecutionDecision, "test", nil, map[string]any{"n": 2})
	require.NoError(t, err)

	// Mutate event_data of seq=2 directly in storage.
	_, err = db.Exec(`UPDATE audit_chain SET event_data = '{"n":999}' WHERE tenant_id = 't1' AND seq = 2`)
	require.NoError(t, err)

	report, err := l.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, []int64{2}, report.Failures)
}

func TestVerifyChain_DetectsEverySeqGap(t *testing.T) {
	l, db := testLog(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, "t1", EventExecutionDecision, "test", nil, map[string]any{"i": i})
		require.NoError(t, err)
	}
	_, err := db.Exec(`DELETE FROM audit_chain WHERE tenant_id = 't1' AND seq = 2`)
	require.NoError(t, err)

	report, err := l.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Contains(t, report.Failures, int64(3))
}

func TestAppend_Concurrent(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	const n = 20
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, "t1", EventExecutionDecision, fmt.Sprintf("worker-%d", i), nil, map[string]any{"i": i})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	report, err := l.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, int64(n), report.Entries)
}

func TestExportAndVerifyBundle(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "t1", EventTelemetryIngest, "adapter:a1", nil, map[string]any{"i": i})
		require.NoError(t, err)
	}

	bundle, err := l.Export(ctx, "t1", Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), bundle.StartSeq)
	assert.Equal(t, int64(3), bundle.EndSeq)
	assert.True(t, bundle.Verdict.OK)
	assert.NotEmpty(t, bundle.Checksum)

	// Offline verification without the store.
	offline := VerifyBundle(bundle)
	assert.True(t, offline.OK)

	bundle.Entries[1].EventData = []byte(`{"i":99}`)
	offline = VerifyBundle(bundle)
	assert.False(t, offline.OK)
	assert.Contains(t, offline.Failures, int64(2))
}

type memObjects struct {
	mu   sync.Mutex
	blob map[string][]byte
}

func (m *memObjects) Put(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blob == nil {
		m.blob = make(map[string][]byte)
	}
	m.blob[key] = data
	return "mem://" + key, nil
}

func TestSealThrough_TruncatesAndAnchors(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, "t1", EventExecutionDecision, "test", nil, map[string]any{"i": i})
		require.NoError(t, err)
	}

	objects := &memObjects{}
	require.NoError(t, l.SealThrough(ctx, objects, "t1", 4))
	assert.Len(t, objects.blob, 1)

	entries, err := l.Query(ctx, "t1", Filter{})
	require.NoError(t, err)
	// 5, 6 survive plus the chain_sealed marker entry.
	require.Len(t, entries, 3)
	assert.Equal(t, int64(5), entries[0].Seq)
	assert.Equal(t, EventChainSealed, entries[2].EventType)

	report, err := l.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestSealThrough_ContinuesSequenceAfterFullTruncation(t *testing.T) {
	l, _ := testLog(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "t1", EventExecutionDecision, "test", nil, map[string]any{"i": i})
		require.NoError(t, err)
	}

	require.NoError(t, l.SealThrough(ctx, &memObjects{}, "t1", 3))

	entries, err := l.Query(ctx, "t1", Filter{})
	require.NoError(t, err)
	// Only the marker remains and it continues the sequence.
	require.Len(t, entries, 1)
	assert.Equal(t, int64(4), entries[0].Seq)
	require.NotNil(t, entries[0].PrevHash)

	report, err := l.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, report.OK)
}

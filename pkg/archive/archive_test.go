package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledAndUnknown(t *testing.T) {
	s, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = New(context.Background(), Config{Backend: "tape"})
	require.Error(t, err)
}

func TestMemoryStore_PutIsCopied(t *testing.T) {
	m := NewMemoryStore()
	data := []byte(`{"a":1}`)
	loc, err := m.Put(context.Background(), "audit/t1/seal-1-3.json", data)
	require.NoError(t, err)
	assert.Equal(t, "mem://audit/t1/seal-1-3.json", loc)

	data[0] = 'X'
	got, ok := m.Get("audit/t1/seal-1-3.json")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"a":1}`), got)
}

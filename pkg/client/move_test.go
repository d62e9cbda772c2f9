package client_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/memory"
)

func TestMove(t *testing.T) {
	for _, noRename := range []bool{false, true} {
		store := memory.NewStore(0)
		c := memory.NewMemoryClient(&memory.Config{NoRename: noRename}, store)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, store.Put("/a.txt", []byte("payload")))

		require.NoError(t, client.Move(context.Background(), c, "/a.txt", "/b/a.txt"))
		assert.Equal(t, []string{"/b/a.txt"}, store.Paths())
		data, ok := store.Get("/b/a.txt")
		require.True(t, ok)
		assert.Equal(t, "payload", string(data))

		err := client.Move(context.Background(), c, "/missing", "/x")
		assert.True(t, errors.Is(err, client.ErrNotFound))
	}
}

func TestCopy(t *testing.T) {
	store := memory.NewStore(0)
	c := memory.NewMemoryClient(&memory.Config{}, store)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, store.Put("/a.txt", []byte("payload")))

	require.NoError(t, client.Copy(context.Background(), c, "/a.txt", "/c.txt"))
	assert.Equal(t, []string{"/a.txt", "/c.txt"}, store.Paths())
}

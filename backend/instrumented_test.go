package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedVolume_Save(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	iv := NewInstrumentedVolume(fs, "filesystem")
	ctx := context.Background()

	err = iv.Save(ctx, "test/key", strings.NewReader("hello world"))
	require.NoError(t, err)
}

func TestInstrumentedVolume_Get_ReturnsContent(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	iv := NewInstrumentedVolume(fs, "filesystem")
	ctx := context.Background()

	content := "hello, instrumented volume"
	require.NoError(t, iv.Save(ctx, "test/key", strings.NewReader(content)))

	rc, err := iv.Get(ctx, "test/key")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	require.NoError(t, rc.Close())
}

func TestInstrumentedVolume_Get_NotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	iv := NewInstrumentedVolume(fs, "filesystem")
	ctx := context.Background()

	_, err = iv.Get(ctx, "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedVolume_Exists(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	iv := NewInstrumentedVolume(fs, "filesystem")
	ctx := context.Background()

	exists, err := iv.Exists(ctx, "missing/key")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, iv.Save(ctx, "present/key", strings.NewReader("data")))
	exists, err = iv.Exists(ctx, "present/key")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestInstrumentedVolume_Remove(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	iv := NewInstrumentedVolume(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, iv.Save(ctx, "del/key", strings.NewReader("bye")))
	require.NoError(t, iv.Remove(ctx, "del/key"))

	exists, err := iv.Exists(ctx, "del/key")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedVolume_List(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	iv := NewInstrumentedVolume(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, iv.Save(ctx, "list/a", strings.NewReader("a")))
	require.NoError(t, iv.Save(ctx, "list/b", strings.NewReader("b")))

	keys, err := iv.List(ctx, "list/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestInstrumentedVolume_Size(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	iv := NewInstrumentedVolume(fs, "filesystem")
	ctx := context.Background()

	content := "size test content"
	require.NoError(t, iv.Save(ctx, "size/key", strings.NewReader(content)))

	size, err := iv.Size(ctx, "size/key")
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), size)
}

func TestInstrumentedVolume_Writer(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	iv := NewInstrumentedVolume(fs, "filesystem")
	ctx := context.Background()

	w, err := iv.Writer(ctx, "writer/key")
	require.NoError(t, err)
	_, err = w.Write([]byte("written via Writer"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rc, err := iv.Get(ctx, "writer/key")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "written via Writer", string(got))
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}

package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokenProvider(t *testing.T) {
	p := NewStaticTokenProvider("  abc \n")
	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Token(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileTokenProviderReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	p := NewFileTokenProvider(path)
	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", tok)
}

func TestFileTokenProviderMissingFile(t *testing.T) {
	p := NewFileTokenProvider(filepath.Join(t.TempDir(), "absent"))
	_, err := p.Token(context.Background())
	assert.Error(t, err)
}

func TestNewTokenProviderSelection(t *testing.T) {
	assert.IsType(t, &FileTokenProvider{}, NewTokenProvider("x", "/tmp/token"))
	assert.IsType(t, &StaticTokenProvider{}, NewTokenProvider("x", ""))
}

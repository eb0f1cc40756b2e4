// Package auth supplies bearer tokens for the gateway connection.
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"tickerflow/internal/domain"
)

// StaticTokenProvider returns a token fixed at construction, as a browser
// session would hold it.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: strings.TrimSpace(token)}
}

func (p *StaticTokenProvider) Token(ctx context.Context) (string, error) {
	return p.token, ctx.Err()
}

// FileTokenProvider reads the token from a file managed by a server-side
// agent. The file is re-read whenever its modification time changes.
type FileTokenProvider struct {
	path string

	mu      sync.Mutex
	token   string
	modTime time.Time
}

func NewFileTokenProvider(path string) *FileTokenProvider {
	return &FileTokenProvider{path: path}
}

func (p *FileTokenProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	info, err := os.Stat(p.path)
	if err != nil {
		return "", fmt.Errorf("stat token file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && info.ModTime().Equal(p.modTime) {
		return p.token, nil
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	p.token = strings.TrimSpace(string(raw))
	p.modTime = info.ModTime()
	return p.token, nil
}

// NewTokenProvider picks the provider once: a token file wins over an inline
// token.
func NewTokenProvider(token, path string) domain.TokenProvider {
	if path != "" {
		return NewFileTokenProvider(path)
	}
	return NewStaticTokenProvider(token)
}

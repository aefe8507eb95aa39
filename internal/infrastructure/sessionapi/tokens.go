package sessionapi

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"squadx/internal/core/ports"
)

// FileToken reads the bearer from a file written by the desktop shell. The file
// is re-read when its modification time changes, so rotated tokens are picked up
// without restarting the agent.
type FileToken struct {
	path string

	mu      sync.Mutex
	token   string
	modTime time.Time
}

func NewFileToken(path string) *FileToken {
	return &FileToken{path: path}
}

func (f *FileToken) Token(context.Context) (string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return "", fmt.Errorf("failed to stat token file: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token != "" && info.ModTime().Equal(f.modTime) {
		return f.token, nil
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", f.path)
	}
	f.token = token
	f.modTime = info.ModTime()
	return token, nil
}

// TokenSourceFor prefers the token file over an inline token.
func TokenSourceFor(token, file string) ports.TokenSource {
	if file != "" {
		return NewFileToken(file)
	}
	if token != "" {
		return ports.StaticToken(token)
	}
	return nil
}

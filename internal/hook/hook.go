// Package hook fetches and validates Gerrit's commit-msg hook. The tool
// injects Change-Id trailers itself, but cloned workspaces handed back to a
// human still want the hook in place for follow-up commits.
package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

const (
	// minSize guards against truncated downloads; the real hook is a few
	// KiB of shell. maxSize guards against an error page saved as a hook.
	minSize = 64
	maxSize = 256 << 10

	hookPath = "/tools/hooks/commit-msg"
)

var (
	ErrEmpty         = errors.New("hook script is empty")
	ErrSize          = errors.New("hook script size out of bounds")
	ErrNoInterpreter = errors.New("hook script lacks an interpreter line")
)

// Validate rejects hook content that cannot be a working commit-msg script.
func Validate(content []byte) error {
	if len(content) == 0 {
		return ErrEmpty
	}
	if len(content) < minSize || len(content) > maxSize {
		return fmt.Errorf("%w: %d bytes", ErrSize, len(content))
	}
	if !bytes.HasPrefix(content, []byte("#!")) {
		return ErrNoInterpreter
	}
	return nil
}

// Install downloads the commit-msg hook from the Gerrit server and places
// it, executable, under gitDir/hooks. An existing hook is left untouched.
func Install(ctx context.Context, httpClient *http.Client, baseURL, gitDir string) error {
	dst := filepath.Join(gitDir, "hooks", "commit-msg")
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+hookPath, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch commit-msg hook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch commit-msg hook: unexpected status %s", resp.Status)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return fmt.Errorf("fetch commit-msg hook: %w", err)
	}
	if err := Validate(content); err != nil {
		return fmt.Errorf("fetched commit-msg hook is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, content, 0o755)
}

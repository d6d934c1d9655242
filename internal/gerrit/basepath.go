package gerrit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Some deployments serve the REST API at the root, others behind a prefix
// such as /r or /infra. The working prefix is probed once per process and
// reused; concurrent first-use attempts are coalesced so only one probe is
// issued even under parallel startup.
var basePathCandidates = []string{"", "/r", "/infra"}

var basePathCache = struct {
	mu    sync.Mutex
	group singleflight.Group
	paths map[string]string // baseURL -> discovered path
}{paths: map[string]string{}}

// Base returns the deployment's REST base URL, including any discovered or
// configured path prefix.
func (c *Client) Base(ctx context.Context) (string, error) {
	if c.basePathSet {
		return c.baseURL + c.basePath, nil
	}

	basePathCache.mu.Lock()
	path, ok := basePathCache.paths[c.baseURL]
	basePathCache.mu.Unlock()
	if ok {
		return c.baseURL + path, nil
	}

	v, err, _ := basePathCache.group.Do(c.baseURL, func() (any, error) {
		path, err := c.probeBasePath(ctx)
		if err != nil {
			return nil, err
		}
		basePathCache.mu.Lock()
		basePathCache.paths[c.baseURL] = path
		basePathCache.mu.Unlock()
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return c.baseURL + v.(string), nil
}

func (c *Client) probeBasePath(ctx context.Context) (string, error) {
	for _, candidate := range basePathCandidates {
		probeURL := c.baseURL + candidate + "/changes/?q=status:open&n=1"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "github2gerrit")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Debugf("base path probe %q failed: %v", candidate, err)
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64))
		resp.Body.Close()

		// The guard line identifies a real Gerrit JSON endpoint; redirect
		// pages and proxies serving HTML do not carry it.
		if resp.StatusCode == http.StatusOK && strings.HasPrefix(string(body), xssiPrefix) {
			c.log.Debugf("discovered gerrit REST base path %q for %s", candidate, c.baseURL)
			return candidate, nil
		}
	}
	return "", fmt.Errorf("gerrit: unable to discover REST base path for %s", c.baseURL)
}

// resetBasePathCache clears the process-wide discovery cache. Tests only.
func resetBasePathCache() {
	basePathCache.mu.Lock()
	basePathCache.paths = map[string]string{}
	basePathCache.mu.Unlock()
}

package gerrit

import (
	"log"
	"net/http"
	"net/http/httputil"
	"os"
)

// loggingTransport dumps REST requests and responses for troubleshooting
// base-path and proxy issues. Authorization headers are redacted so basic
// auth credentials for /a/ endpoints never reach the log.
type loggingTransport struct {
	transport http.RoundTripper
	logger    *log.Logger
}

func newLoggingTransport(transport http.RoundTripper) *loggingTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &loggingTransport{
		transport: transport,
		logger:    log.New(os.Stderr, "gerrit-http: ", log.LstdFlags),
	}
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	dumpReq := req
	dumpBody := true
	if req.Header.Get("Authorization") != "" {
		dumpReq = req.Clone(req.Context())
		dumpReq.Header.Set("Authorization", "REDACTED")
		// The clone shares the body reader with the original request.
		dumpBody = req.Body == nil
	}
	if dump, err := httputil.DumpRequestOut(dumpReq, dumpBody); err == nil {
		t.logger.Printf("request:\n%s", dump)
	} else {
		t.logger.Printf("failed to dump request: %v", err)
	}

	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		t.logger.Printf("request failed: %v", err)
		return resp, err
	}

	if dump, err := httputil.DumpResponse(resp, true); err == nil {
		t.logger.Printf("response:\n%s", dump)
	} else {
		t.logger.Printf("failed to dump response: %v", err)
	}

	return resp, nil
}

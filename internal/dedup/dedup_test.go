package dedup

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/lfit/github2gerrit/internal/change"
	"github.com/lfit/github2gerrit/internal/gerrit"
	"github.com/lfit/github2gerrit/internal/logging"
)

var detectInfo = gerrit.Info{Host: "gerrit.test", Port: 29418, Project: "releng/builder", Branch: "main"}

func prepared() *change.Prepared {
	return &change.Prepared{
		ChangeID: "I0123456789012345678901234567890123456789",
		Subject:  "Bump builder image to v2",
		Hash:     plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
	}
}

// gerritStub serves change queries keyed on a prefix of the q parameter.
func gerritStub(t *testing.T, byQuery map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		for prefix, body := range byQuery {
			if strings.HasPrefix(q, prefix) {
				fmt.Fprintf(w, ")]}'\n%s", body)
				return
			}
		}
		fmt.Fprint(w, ")]}'\n[]")
	}))
}

func newDetector(srv *httptest.Server) *Detector {
	client := gerrit.NewClient(srv.URL, gerrit.WithBasePath(""))
	return NewDetector(client, logging.NewNopLogger())
}

func TestDetectNone(t *testing.T) {
	srv := gerritStub(t, nil)
	defer srv.Close()

	m, err := newDetector(srv).Detect(context.Background(), prepared(), detectInfo)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != MatchNone || m.Change != nil {
		t.Fatalf("got %v, want MatchNone", m.Kind)
	}
}

func TestDetectExact(t *testing.T) {
	p := prepared()
	srv := gerritStub(t, map[string]string{
		"change:" + p.ChangeID: fmt.Sprintf(`[{
			"_number": 101,
			"change_id": %q,
			"subject": "Bump builder image to v2",
			"status": "NEW",
			"updated": "2026-08-29 10:00:00.000000000",
			"current_revision": %q
		}]`, p.ChangeID, p.Hash.String()),
	})
	defer srv.Close()

	m, err := newDetector(srv).Detect(context.Background(), p, detectInfo)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != MatchExact {
		t.Fatalf("got %v, want MatchExact", m.Kind)
	}
	if m.Change.Number != 101 {
		t.Fatalf("matched change %d, want 101", m.Change.Number)
	}
}

func TestDetectSuperseded(t *testing.T) {
	p := prepared()
	srv := gerritStub(t, map[string]string{
		"change:" + p.ChangeID: fmt.Sprintf(`[{
			"_number": 101,
			"change_id": %q,
			"subject": "Bump builder image to v2",
			"status": "NEW",
			"updated": "2026-08-29 10:00:00.000000000",
			"current_revision": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
		}]`, p.ChangeID),
	})
	defer srv.Close()

	m, err := newDetector(srv).Detect(context.Background(), p, detectInfo)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != MatchSuperseded {
		t.Fatalf("got %v, want MatchSuperseded", m.Kind)
	}
}

func TestDetectMostRecentWins(t *testing.T) {
	p := prepared()
	srv := gerritStub(t, map[string]string{
		"change:" + p.ChangeID: fmt.Sprintf(`[
			{"_number": 90, "change_id": %[1]q, "subject": "older", "status": "NEW",
			 "updated": "2026-08-01 10:00:00.000000000", "current_revision": "cccccccccccccccccccccccccccccccccccccccc"},
			{"_number": 101, "change_id": %[1]q, "subject": "newer", "status": "NEW",
			 "updated": "2026-08-29 10:00:00.000000000", "current_revision": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}
		]`, p.ChangeID),
	})
	defer srv.Close()

	m, err := newDetector(srv).Detect(context.Background(), p, detectInfo)
	if err != nil {
		t.Fatal(err)
	}
	if m.Change == nil || m.Change.Number != 101 {
		t.Fatalf("authoritative change = %+v, want number 101", m.Change)
	}
	if len(m.Stale) != 1 || m.Stale[0].Number != 90 {
		t.Fatalf("stale = %+v, want [90]", m.Stale)
	}
}

func TestDetectSubjectFallback(t *testing.T) {
	p := prepared()
	// Nothing matches by Change-Id; an open change with the same subject
	// modulo PR number does.
	srv := gerritStub(t, map[string]string{
		"project:": `[{
			"_number": 77,
			"change_id": "Iffffffffffffffffffffffffffffffffffffffff",
			"subject": "Bump builder image to v2 (#41)",
			"status": "NEW",
			"updated": "2026-08-29 10:00:00.000000000",
			"current_revision": "dddddddddddddddddddddddddddddddddddddddd"
		}]`,
	})
	defer srv.Close()

	m, err := newDetector(srv).Detect(context.Background(), p, detectInfo)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != MatchSuperseded || m.Change.Number != 77 {
		t.Fatalf("got kind %v change %+v, want superseded 77", m.Kind, m.Change)
	}
}

func TestDetectServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := newDetector(srv).Detect(context.Background(), prepared(), detectInfo); err == nil {
		t.Fatal("expected error from failing server")
	}
}

package report

import (
	"strings"
	"testing"
)

func TestWriteActionsOutput(t *testing.T) {
	var sb strings.Builder
	rec := Record{
		PR:           7,
		ChangeURL:    "https://gerrit.example.org/c/releng/builder/+/1234",
		ChangeNumber: 1234,
		Patchset:     2,
		Status:       StatusUpdated,
	}
	if err := WriteActionsOutput(&sb, rec); err != nil {
		t.Fatal(err)
	}

	want := "gerrit_change_url=https://gerrit.example.org/c/releng/builder/+/1234\n" +
		"gerrit_change_number=1234\n" +
		"gerrit_patchset=2\n" +
		"status=updated\n"
	if sb.String() != want {
		t.Fatalf("output:\n%s\nwant:\n%s", sb.String(), want)
	}
}

func TestWriteActionsOutputSkipsEmpty(t *testing.T) {
	var sb strings.Builder
	if err := WriteActionsOutput(&sb, Record{PR: 7, Status: StatusAborted, Reason: "empty change"}); err != nil {
		t.Fatal(err)
	}
	if sb.String() != "status=aborted\n" {
		t.Fatalf("output: %q", sb.String())
	}
}

func TestRenderTable(t *testing.T) {
	var sb strings.Builder
	recs := []Record{
		{PR: 7, Status: StatusNew, ChangeURL: "https://gerrit.example.org/c/p/+/1", Patchset: 1},
		{PR: 8, Status: StatusAborted, Reason: "empty change"},
	}
	if err := RenderTable(&sb, recs); err != nil {
		t.Fatal(err)
	}

	out := sb.String()
	for _, want := range []string{"new", "aborted", "https://gerrit.example.org/c/p/+/1", "empty change"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(strings.ToUpper(out), "STATUS") {
		t.Fatalf("table output missing header:\n%s", out)
	}
}

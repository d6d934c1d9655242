package change

import (
	"strings"
	"testing"
)

func TestInjectTrailer(t *testing.T) {
	tests := []struct {
		note    string
		message string
		want    string
	}{
		{
			note:    "no trailer block",
			message: "subject line\n\nbody text\n",
			want:    "subject line\n\nbody text\n\nChange-Id: Iabc\n",
		},
		{
			note:    "subject only",
			message: "subject line\n",
			want:    "subject line\n\nChange-Id: Iabc\n",
		},
		{
			note:    "existing trailer block is extended",
			message: "subject line\n\nSigned-off-by: A <a@test>\n",
			want:    "subject line\n\nSigned-off-by: A <a@test>\nChange-Id: Iabc\n",
		},
		{
			note:    "existing Change-Id is preserved untouched",
			message: "subject line\n\nChange-Id: Iexisting\n",
			want:    "subject line\n\nChange-Id: Iexisting\n",
		},
		{
			note:    "colon in body does not form a trailer block",
			message: "subject line\n\nsee also: the other change\nand more prose\n",
			want:    "subject line\n\nsee also: the other change\nand more prose\n\nChange-Id: Iabc\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			got := InjectTrailer(tc.message, TrailerChangeID, "Iabc")
			if got != tc.want {
				t.Fatalf("got:\n%q\nwant:\n%q", got, tc.want)
			}
		})
	}
}

func TestTrailerValues(t *testing.T) {
	message := "subject\n\nbody\n\n" +
		"Change-Id: Ione\n" +
		"Signed-off-by: A <a@test>\n" +
		"Change-Id: Itwo\n"

	got := TrailerValues(message, TrailerChangeID)
	if len(got) != 2 || got[0] != "Ione" || got[1] != "Itwo" {
		t.Fatalf("TrailerValues = %v", got)
	}
	if v := TrailerValues(message, TrailerGitHubPR); v != nil {
		t.Fatalf("unexpected values for absent key: %v", v)
	}
}

func TestTrailerValuesFoldedContinuation(t *testing.T) {
	message := "subject\n\n" +
		"Cc: someone\n" +
		" folded continuation\n" +
		"Change-Id: Ione\n"

	if got := TrailerValues(message, TrailerChangeID); len(got) != 1 || got[0] != "Ione" {
		t.Fatalf("TrailerValues = %v", got)
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Bump foo to v2", "bump foo to v2"},
		{"Bump foo to v2 (#123)", "bump foo to v2"},
		{"Bump foo to v2 (#123) (#456)", "bump foo to v2 (#123)"},
		{"  Bump   foo \t to v2  ", "bump foo to v2"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeSubject(tc.in); got != tc.want {
			t.Errorf("NormalizeSubject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInjectTrailerIdempotent(t *testing.T) {
	message := "subject\n\nbody\n"
	once := InjectTrailer(message, TrailerChangeID, "Iabc")
	twice := InjectTrailer(once, TrailerChangeID, "Iother")
	if once != twice {
		t.Fatalf("second injection modified the message:\n%q\nvs\n%q", once, twice)
	}
	if strings.Count(twice, TrailerChangeID+":") != 1 {
		t.Fatalf("expected exactly one Change-Id trailer:\n%q", twice)
	}
}

package files

import "testing"

func TestDisplayName(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		want     string
	}{
		{name: "plain filename", filename: "report-q1.pdf", want: "report-q1.pdf"},
		{name: "strips directories", filename: "uploads/2026/report-q1.pdf", want: "report-q1.pdf"},
		{name: "trims whitespace", filename: "  notes.txt  ", want: "notes.txt"},
		{name: "empty falls back", filename: "", want: "Untitled document"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DisplayName(tc.filename); got != tc.want {
				t.Fatalf("DisplayName(%q) = %q, want %q", tc.filename, got, tc.want)
			}
		})
	}
}

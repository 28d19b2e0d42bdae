package store

import "testing"

func TestClean(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a.txt", "a.txt", false},
		{" dir/sub/../b.txt ", "dir/b.txt", false},
		{`win\path.txt`, "win/path.txt", false},
		{"./x", "x", false},
		{"", "", true},
		{".", "", true},
		{"/etc/passwd", "", true},
		{"../escape", "", true},
		{"a/../../escape", "", true},
	}
	for _, c := range cases {
		got, err := Clean(c.in)
		if c.wantErr {
			if err == nil {
				t.Fatalf("Clean(%q): expected error, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Clean(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("Clean(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

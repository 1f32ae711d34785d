// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package hooks

import "testing"

func TestBuildRichQuery_StripsNoise(t *testing.T) {
	cases := []struct {
		name     string
		filePath string
		out      string
		prompt   string
		want     string
	}{
		{
			name:     "read prefix stripped",
			filePath: "Read internal/config/config.go",
			out:      "",
			prompt:   "",
			want:     "internal/config/config.go",
		},
		{
			name:     "line markers stripped",
			filePath: "a.go",
			out:      "12-func main() {\n13-  run()",
			prompt:   "",
			want:     "a.go func main() {\nrun()",
		},
		{
			name:     "json braces stripped",
			filePath: "b.go",
			out:      "{\"key\": 1}",
			prompt:   "[1,2]",
			want:     "b.go \"key\": 1} 1,2]",
		},
		{
			name:     "empty parts dropped",
			filePath: "c.go",
			out:      "",
			prompt:   "  ",
			want:     "c.go",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := BuildRichQuery(tc.filePath, tc.out, tc.prompt)
			if got != tc.want {
				t.Errorf("BuildRichQuery = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildRichQuery_Deterministic(t *testing.T) {
	a := BuildRichQuery("x.go", "Read something", "{do the thing")
	b := BuildRichQuery("x.go", "Read something", "{do the thing")
	if a != b {
		t.Errorf("same inputs must produce the same query: %q vs %q", a, b)
	}
}

func TestBuildRichQuery_TruncatesHeads(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	got := BuildRichQuery("f.go", string(long), string(long))
	if len(got) > len("f.go")+1+2*headBudget+1 {
		t.Errorf("heads must be truncated to the budget, got %d chars", len(got))
	}
}

func TestClampLines(t *testing.T) {
	if got := clampLines("a\nb\nc", 2); got != "a\nb\n..." {
		t.Errorf("clampLines = %q", got)
	}
	if got := clampLines("a\nb", 5); got != "a\nb" {
		t.Errorf("short content must pass through, got %q", got)
	}
}

package api

import (
	"net/url"
	"testing"
)

func TestParseMaxRows(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{name: "default when absent", raw: "", want: 512},
		{name: "default when blank", raw: "  ", want: 512},
		{name: "default on garbage", raw: "abc", want: 512},
		{name: "clamped low", raw: "8", want: 16},
		{name: "clamped high", raw: "100000", want: 4096},
		{name: "passed through", raw: "600", want: 600},
		{name: "trimmed", raw: " 64 ", want: 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := url.Values{}
			if tt.raw != "" {
				query.Set("max_rows", tt.raw)
			}
			if got := parseMaxRows(query); got != tt.want {
				t.Errorf("parseMaxRows(%q) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

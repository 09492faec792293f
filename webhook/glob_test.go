package webhook

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"exact", "/v1/stream/orders", "/v1/stream/orders", true},
		{"exact mismatch", "/v1/stream/orders", "/v1/stream/users", false},
		{"single star one segment", "/v1/stream/*", "/v1/stream/orders", true},
		{"single star not nested", "/v1/stream/*", "/v1/stream/orders/new", false},
		{"single star mid path", "/v1/*/orders", "/v1/stream/orders", true},
		{"double star zero segments", "/v1/stream/**", "/v1/stream", true},
		{"double star one segment", "/v1/stream/**", "/v1/stream/orders", true},
		{"double star deep", "/v1/stream/**", "/v1/stream/a/b/c", true},
		{"double star middle", "/v1/**/tail", "/v1/a/b/tail", true},
		{"double star middle no match", "/v1/**/tail", "/v1/a/b/other", false},
		{"escaped star literal", "/v1/stream/%2A", "/v1/stream/*", true},
		{"escaped star not wildcard", "/v1/stream/%2A", "/v1/stream/orders", false},
		{"escaped star lowercase", "/v1/stream/%2a", "/v1/stream/*", true},
		{"trailing slash normalized", "/v1/stream/orders/", "/v1/stream/orders", true},
		{"shorter path", "/v1/stream/a/b", "/v1/stream/a", false},
		{"longer path", "/v1/stream/a", "/v1/stream/a/b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.pattern, tt.path); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

package ws

import (
	"net/http/httptest"
	"testing"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Run("full origin match", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://chat.example.com/ws", nil)
		r.Header.Set("Origin", "http://chat.example.com:5173")
		if !IsOriginAllowed(r, []string{"http://chat.example.com:5173"}, false) {
			t.Fatal("expected origin to be allowed")
		}
		if IsOriginAllowed(r, []string{"http://chat.example.com"}, false) {
			t.Fatal("expected origin to be rejected")
		}
		// Scheme and host are case-insensitive.
		mixed := httptest.NewRequest("GET", "http://chat.example.com/ws", nil)
		mixed.Header.Set("Origin", "HTTPS://ChAt.Example.com")
		if !IsOriginAllowed(mixed, []string{"https://chat.example.com"}, false) {
			t.Fatal("expected mixed-case origin to be allowed")
		}
	})

	t.Run("hostname match ignores port", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://chat.example.com/ws", nil)
		r.Header.Set("Origin", "https://ChAt.example.com:5173")
		if !IsOriginAllowed(r, []string{"chat.example.com"}, false) {
			t.Fatal("expected origin to be allowed")
		}
	})

	t.Run("host:port match", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://chat.example.com/ws", nil)
		r.Header.Set("Origin", "https://chat.example.com:5173")
		if !IsOriginAllowed(r, []string{"chat.example.com:5173"}, false) {
			t.Fatal("expected origin to be allowed")
		}
		if IsOriginAllowed(r, []string{"chat.example.com:9999"}, false) {
			t.Fatal("expected origin to be rejected")
		}
	})

	t.Run("wildcard matches base and subdomains", func(t *testing.T) {
		base := httptest.NewRequest("GET", "http://example.com/ws", nil)
		base.Header.Set("Origin", "https://example.com")
		sub := httptest.NewRequest("GET", "http://example.com/ws", nil)
		sub.Header.Set("Origin", "https://a.example.com")
		other := httptest.NewRequest("GET", "http://example.com/ws", nil)
		other.Header.Set("Origin", "https://notexample.com")
		allowed := []string{"*.example.com"}
		if !IsOriginAllowed(base, allowed, false) {
			t.Fatal("expected base hostname to be allowed")
		}
		if !IsOriginAllowed(sub, allowed, false) {
			t.Fatal("expected subdomain to be allowed")
		}
		if IsOriginAllowed(other, allowed, false) {
			t.Fatal("expected unrelated hostname to be rejected")
		}
	})

	t.Run("non-standard origin value", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/ws", nil)
		r.Header.Set("Origin", "null")
		if !IsOriginAllowed(r, []string{"null"}, false) {
			t.Fatal("expected null origin to be allowed by exact match")
		}
		if IsOriginAllowed(r, []string{"example.com"}, false) {
			t.Fatal("expected null origin to be rejected")
		}
	})

	t.Run("allow no origin", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://example.com/ws", nil)
		if !IsOriginAllowed(r, []string{"example.com"}, true) {
			t.Fatal("expected request without Origin to be allowed")
		}
		if IsOriginAllowed(r, []string{"example.com"}, false) {
			t.Fatal("expected request without Origin to be rejected")
		}
	})
}

package meta

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func cidr(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func TestPreferredLanguages(t *testing.T) {
	langs := preferredLanguages("en-US,es;q=0.1,en;q=0.5,*;q=0.2")
	want := []string{"en-us", "en", "*", "es", "en"}
	if len(langs) != len(want) {
		t.Fatalf("preferredLanguages() = %v, want %v", langs, want)
	}
	for i := range want {
		if langs[i] != want[i] {
			t.Fatalf("preferredLanguages()[%d] = %q, want %q", i, langs[i], want[i])
		}
	}
}

func TestPreferredLanguageElement(t *testing.T) {
	elements := map[string]string{
		"de": "Kalifornien",
		"en": "California",
		"fr": "Californie",
	}
	langs := []string{"en-us", "en", "es", "en"}
	v, ok := preferredLanguageElement(langs, elements)
	if !ok || v != "California" {
		t.Fatalf("preferredLanguageElement() = (%q, %v), want (California, true)", v, ok)
	}

	badLang := []string{"fu"}
	if _, ok := preferredLanguageElement(badLang, elements); ok {
		t.Fatal("expected no match for unrepresented language")
	}

	anyLang := []string{"fu", "*", "en"}
	if _, ok := preferredLanguageElement(anyLang, elements); !ok {
		t.Fatal("expected wildcard match")
	}
}

func TestGetRemoteDirectPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	remote, err := getRemote(req, []*net.IPNet{cidr("192.168.0.0/24")})
	if err != nil {
		t.Fatalf("getRemote: %v", err)
	}
	if remote != "1.2.3.4" {
		t.Fatalf("remote = %q, want 1.2.3.4", remote)
	}
}

func TestGetRemoteViaTrustedProxy(t *testing.T) {
	proxies := []*net.IPNet{cidr("192.168.0.0/24")}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.0.4:1234"
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 2.3.4.5, 192.168.0.10")
	remote, err := getRemote(req, proxies)
	if err != nil {
		t.Fatalf("getRemote: %v", err)
	}
	if remote != "2.3.4.5" {
		t.Fatalf("remote = %q, want 2.3.4.5 (rightmost non-proxy entry)", remote)
	}
}

func TestGetRemoteProxyNoHeader(t *testing.T) {
	proxies := []*net.IPNet{cidr("192.168.0.0/24")}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.0.4:1234"
	if _, err := getRemote(req, proxies); err == nil {
		t.Fatal("expected error when proxy sends no X-Forwarded-For header")
	}
}

func TestBuildFallsBackToGeoLocationHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	req.Header.Set("X-Client-Geo-Location", "CA,San Francisco")
	m := Build(req, nil, nil, zerolog.Nop())
	if m.Region != "CA" || m.City != "San Francisco" {
		t.Fatalf("Region/City = %q/%q, want CA/San Francisco", m.Region, m.City)
	}
}

func TestBuildPopulatesUA(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 Foo")
	m := Build(req, nil, nil, zerolog.Nop())
	if m.UA != "Mozilla/5.0 Foo" {
		t.Fatalf("UA = %q, want Mozilla/5.0 Foo", m.UA)
	}
	if m.Remote != "1.2.3.4" {
		t.Fatalf("Remote = %q, want 1.2.3.4", m.Remote)
	}
}

package abuse

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestReputationNoServerNeverAbusive(t *testing.T) {
	r := NewReputation("", 50, "channel_abuse")
	abusive, err := r.IsAbusive("1.2.3.4")
	if err != nil {
		t.Fatalf("IsAbusive: %v", err)
	}
	if abusive {
		t.Fatal("expected non-abusive when no server configured")
	}
	if err := r.AddAbuser("1.2.3.4"); err != nil {
		t.Fatalf("AddAbuser: %v", err)
	}
}

func TestReputationBelowMinScore(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"reputation": 10})
	}))
	defer srv.Close()

	r := NewReputation(srv.Listener.Addr().String(), 50, "channel_abuse")
	r.client = srv.Client()

	abusive, err := r.IsAbusive("1.2.3.4")
	if err != nil {
		t.Fatalf("IsAbusive: %v", err)
	}
	if !abusive {
		t.Fatal("expected abusive when reputation below min score")
	}
}

func TestConnectionRateLimiterPerIPBurst(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     2,
		IPRate:      0.001,
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	if !crl.Allow("1.2.3.4") || !crl.Allow("1.2.3.4") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if crl.Allow("1.2.3.4") {
		t.Fatal("expected third rapid connect from same IP to be rejected")
	}
}

func TestConnectionRateLimiterGlobalBudget(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 1,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	if !crl.Allow("1.1.1.1") {
		t.Fatal("expected first global connect to be allowed")
	}
	if crl.Allow("2.2.2.2") {
		t.Fatal("expected second connect from a different IP to exhaust the global budget")
	}
}

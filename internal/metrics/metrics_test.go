package metrics

import "testing"

func TestNewNoop(t *testing.T) {
	m, err := New("", "channelserver")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	// None of these should panic or error with a no-op backend.
	m.ConnRequest("initial")
	m.ConnCreate()
	m.ConnMaxConn()
	m.ConnMaxData()
	m.ConnMaxMsg()
	m.ConnExpired()
	m.ConnTimeout()
	m.ConnLength(0)
}

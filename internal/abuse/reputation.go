// Package abuse restores the IP reputation check dropped from the
// distilled specification, grounded on
// original_source/channelserver/src/ip_rate_limit.rs, and adds a per-IP
// and global connect-rate admission check that the original lacks.
package abuse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mozilla-services/channelserver/internal/perror"
)

// Reputation queries and reports to an iprepd-compatible server
// (https://github.com/mozilla-services/iprepd). A zero-value Reputation
// with an empty Server always reports addresses as non-abusive.
type Reputation struct {
	Server    string
	MinScore  int
	Violation string
	client    *http.Client
}

// NewReputation builds a Reputation client. server may be empty, in which
// case IsAbusive always returns false and AddAbuser is a no-op.
func NewReputation(server string, minScore int, violation string) *Reputation {
	return &Reputation{
		Server:    server,
		MinScore:  minScore,
		Violation: violation,
		client:    &http.Client{Timeout: 3 * time.Second},
	}
}

type reputationResponse struct {
	Reputation int `json:"reputation"`
}

// IsAbusive reports whether addr's reputation score is below MinScore. A
// configured server that cannot be reached is treated as non-abusive
// rather than blocking admission on an unrelated outage.
func (r *Reputation) IsAbusive(addr string) (bool, error) {
	if r.Server == "" {
		return false, nil
	}
	resp, err := r.client.Get(fmt.Sprintf("https://%s/%s", r.Server, addr))
	if err != nil {
		return false, perror.Wrap(perror.KindIO, "could not get reputation", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, perror.New(perror.KindIO, fmt.Sprintf("reputation server returned %d", resp.StatusCode))
	}
	var body reputationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, perror.Wrap(perror.KindIO, "reputation server response error", err)
	}
	return body.Reputation < r.MinScore, nil
}

// AddAbuser reports addr as having committed the configured violation. A
// failed report is logged by the caller; it never blocks the caller's own
// response to the offending connection.
func (r *Reputation) AddAbuser(addr string) error {
	if r.Server == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{
		"ip":        addr,
		"violation": r.Violation,
	})
	if err != nil {
		return perror.Wrap(perror.KindIO, "could not encode violation report", err)
	}
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("https://%s/violations/%s", r.Server, addr),
		bytes.NewReader(body))
	if err != nil {
		return perror.Wrap(perror.KindIO, "could not build violation request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return perror.Wrap(perror.KindIO, "reputation server report error", err)
	}
	defer resp.Body.Close()
	return nil
}

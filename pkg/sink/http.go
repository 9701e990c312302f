// Package sink contains the outbound adapters: the Submarine actuator sink
// the output vector is pushed to each tick, and the NATS status publisher.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
)

// Submarine posts the per-tick output vector to the actuator service as
// JSON. Addresses absent from a vector mean "not driven this tick"; the
// downstream holds its last value for them.
type Submarine struct {
	url    string
	client *http.Client
}

// NewSubmarine creates a sink for the given endpoint.
func NewSubmarine(url string) *Submarine {
	return &Submarine{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type setRequest struct {
	Values map[string]alloy.Value `json:"values"`
}

// Emit posts one output vector.
func (s *Submarine) Emit(ctx context.Context, values map[alloy.Address]alloy.Value) error {
	body := setRequest{Values: make(map[string]alloy.Value, len(values))}
	for addr, v := range values {
		body.Values[strconv.Itoa(int(addr))] = v
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("unable to encode set request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("unable to build set request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("unable to send set request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("set request rejected: %s", resp.Status)
	}
	return nil
}

// Package speaker triggers the warning broadcast on a gate-side PA speaker.
package speaker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/sweeney/floodgate/internal/breaker"
)

// DefaultMessage is announced before a gate closes.
const DefaultMessage = "Flood warning: the crossing gate is closing. Do not enter."

// Broadcaster plays a warning on the speaker at ip.
type Broadcaster interface {
	Broadcast(ctx context.Context, ip, message string) error
}

type request struct {
	Message string `json:"message"`
	Repeat  int    `json:"repeat"`
}

// HTTPBroadcaster posts broadcasts to the speaker's HTTP endpoint.
type HTTPBroadcaster struct {
	client   *http.Client
	path     string
	breakers *breaker.Set[struct{}]
}

// NewHTTPBroadcaster creates a broadcaster posting to http://<ip><path>.
func NewHTTPBroadcaster(timeout time.Duration, path string, s breaker.Settings) *HTTPBroadcaster {
	return &HTTPBroadcaster{
		client:   &http.Client{Timeout: timeout},
		path:     path,
		breakers: breaker.NewSet[struct{}]("speaker", s),
	}
}

// Broadcast sends one announcement. An open breaker fails fast.
func (b *HTTPBroadcaster) Broadcast(ctx context.Context, ip, message string) error {
	body, err := json.Marshal(request{Message: message, Repeat: 2})
	if err != nil {
		return err
	}
	url := "http://" + ip + b.path

	_, err = b.breakers.Get(ip).Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("speaker %s: %w", ip, err)
	}
	return nil
}

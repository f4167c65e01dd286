package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"labtasker/internal/apierr"
	"labtasker/internal/models"
)

// EventStream is a live subscription to the queue's state transitions.
type EventStream struct {
	// ClientID identifies this subscriber on the server.
	ClientID string
	// C delivers events until the stream ends.
	C <-chan models.EventResponse

	cancel context.CancelFunc
	err    error
	done   chan struct{}
}

// Err reports why the stream ended. Only valid after C is closed.
func (s *EventStream) Err() error {
	<-s.done
	return s.err
}

// Close terminates the subscription.
func (s *EventStream) Close() {
	s.cancel()
	<-s.done
}

// SubscribeEvents opens the server-sent event stream for the queue. The
// returned stream is live once the server's connection frame has been
// received.
func (c *Client) SubscribeEvents(ctx context.Context) (*EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	u := *c.baseURL
	u.Path, _ = url.JoinPath(u.Path, "/api/v1/queues/me/events")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.SetBasicAuth(c.queue, c.password)
	req.Header.Set("Accept", "text/event-stream")

	// The shared client enforces a request timeout, which would sever a
	// long-lived stream; use a dedicated transport-only client.
	streamClient := &http.Client{Transport: c.httpc.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, apierr.New(resp.StatusCode, "event subscription failed: %s", resp.Status)
	}

	events := make(chan models.EventResponse)
	stream := &EventStream{
		C:      events,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	// The connection frame arrives first and carries the client id.
	event, data, err := nextFrame(scanner)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("read connection frame: %w", err)
	}
	if event != "connection" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected first frame %q", event)
	}
	var sub models.EventSubscriptionResponse
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("decode connection frame: %w", err)
	}
	stream.ClientID = sub.ClientID

	go func() {
		defer close(stream.done)
		defer close(events)
		defer resp.Body.Close()
		for {
			event, data, err := nextFrame(scanner)
			if err != nil {
				if ctx.Err() == nil {
					stream.err = err
				}
				return
			}
			if event != "event" {
				continue // pings and unknown frames
			}
			var resp models.EventResponse
			if err := json.Unmarshal([]byte(data), &resp); err != nil {
				stream.err = fmt.Errorf("decode event frame: %w", err)
				return
			}
			select {
			case events <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}

// nextFrame reads one SSE frame, returning its event name and data payload.
func nextFrame(scanner *bufio.Scanner) (event, data string, err error) {
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data, nil
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		// Comment lines (": heartbeat") fall through.
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}
	return "", "", fmt.Errorf("event stream closed")
}

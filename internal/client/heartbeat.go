package client

import (
	"context"
	"net/http"
	"time"

	"labtasker/internal/apierr"
)

// Heartbeater keeps one running task alive by refreshing its heartbeat on a
// fixed cadence in the background.
type Heartbeater struct {
	client   *Client
	taskID   string
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// StartHeartbeat launches the background sender for taskID. Call Stop once
// the task outcome has been reported.
func (c *Client) StartHeartbeat(ctx context.Context, taskID string, interval time.Duration) *Heartbeater {
	h := &Heartbeater{
		client:   c,
		taskID:   taskID,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.run(ctx)
	return h
}

func (h *Heartbeater) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := h.client.RefreshHeartbeat(ctx, h.taskID)
			if err == nil {
				continue
			}
			switch apierr.StatusOf(err) {
			case http.StatusNotFound, http.StatusConflict:
				// The task was deleted, finished or reset out from under
				// us; heartbeating it further is pointless.
				h.client.log.Warn("heartbeat for task %s rejected, stopping: %v", h.taskID, err)
				return
			default:
				h.client.log.Warn("heartbeat for task %s failed: %v", h.taskID, err)
			}
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates the sender and waits for it to exit.
func (h *Heartbeater) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
}

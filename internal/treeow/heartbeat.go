package treeow

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const heartbeatRetryInitial = time.Second

// heartbeats tracks one keep-alive goroutine per listed device.
type heartbeats struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Start enables per-device heartbeats. Devices already listed start
// immediately; later listings start and stop workers as devices come and
// go. It is a no-op when heartbeats are disabled.
func (c *Client) Start(ctx context.Context) error {
	if c.heartbeat <= 0 {
		return nil
	}
	c.hb.mu.Lock()
	if c.hb.cancel != nil {
		c.hb.mu.Unlock()
		return nil
	}
	c.hb.ctx, c.hb.cancel = context.WithCancel(ctx)
	c.hb.mu.Unlock()

	c.mu.RLock()
	refs := make(map[string]deviceRef, len(c.refs))
	for id, r := range c.refs {
		refs[id] = r
	}
	c.mu.RUnlock()
	c.syncHeartbeats(refs)
	return nil
}

// Stop ends every heartbeat and waits for the workers to exit.
func (c *Client) Stop() {
	c.hb.mu.Lock()
	if c.hb.cancel == nil {
		c.hb.mu.Unlock()
		return
	}
	c.hb.cancel()
	c.hb.cancel = nil
	c.hb.workers = make(map[string]context.CancelFunc)
	c.hb.mu.Unlock()
	c.hb.wg.Wait()
}

func (c *Client) syncHeartbeats(refs map[string]deviceRef) {
	c.hb.mu.Lock()
	defer c.hb.mu.Unlock()
	if c.hb.cancel == nil {
		return
	}
	for id, stop := range c.hb.workers {
		if _, ok := refs[id]; !ok {
			stop()
			delete(c.hb.workers, id)
		}
	}
	for id, ref := range refs {
		if _, running := c.hb.workers[id]; running {
			continue
		}
		ctx, cancel := context.WithCancel(c.hb.ctx)
		c.hb.workers[id] = cancel
		c.hb.wg.Add(1)
		go c.runHeartbeat(ctx, ref)
	}
}

// runHeartbeat writes online_state every heartbeat interval. A failure is
// retried after 1s, doubling up to the interval.
func (c *Client) runHeartbeat(ctx context.Context, ref deviceRef) {
	defer c.hb.wg.Done()
	bo := retryBackOff(heartbeatRetryInitial, c.heartbeat)
	for {
		wait := c.heartbeat
		if err := c.sendHeartbeat(ctx, ref); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = bo.NextBackOff()
			c.logger.Warn("heartbeat failed", "device_id", ref.ID, "error", err, "retry_in", wait.String())
		} else {
			bo.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context, ref deviceRef) error {
	_, err := c.do(ctx, http.MethodPut, pathDeviceProp, map[string]any{"value": 0}, ref.headers("online_state"))
	return err
}

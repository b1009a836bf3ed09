package treeow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/treeow-bridge/internal/device"
	"github.com/nerrad567/treeow-bridge/internal/state"
)

// Push reconnect backoff.
const (
	pushRetryInitial = time.Second
	pushRetryMax     = time.Minute
)

// pushMessage is one frame on the push channel. Data has the shape of the
// device info response.
type pushMessage struct {
	Type string   `json:"type"`
	Data infoData `json:"data"`
}

// Subscribe opens the push channel for one device. Frames carry the same
// snapshot document as a device read. The connection is re-dialled with
// backoff until ctx ends, and dial or read failures are delivered as error
// events. Without a push URL it returns state.ErrPushUnsupported.
func (c *Client) Subscribe(ctx context.Context, deviceID string) (<-chan state.Event, error) {
	if c.pushURL == "" {
		return nil, state.ErrPushUnsupported
	}
	ref, ok := c.ref(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, deviceID)
	}
	u, err := url.Parse(c.pushURL)
	if err != nil {
		return nil, fmt.Errorf("parsing push url: %w", err)
	}
	q := u.Query()
	q.Set("deviceId", deviceID)
	u.RawQuery = q.Encode()

	events := make(chan state.Event)
	go c.pump(ctx, ref, u.String(), events)
	return events, nil
}

func (c *Client) pump(ctx context.Context, ref deviceRef, endpoint string, events chan<- state.Event) {
	defer close(events)
	emit := func(ev state.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	bo := retryBackOff(pushRetryInitial, pushRetryMax)
	for ctx.Err() == nil {
		err := c.stream(ctx, ref, endpoint, emit, bo.Reset)
		if ctx.Err() != nil {
			return
		}
		if !emit(state.Event{DeviceID: ref.ID, Err: err}) {
			return
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// retryBackOff doubles from initial up to maxWait without jitter.
func retryBackOff(initial, maxWait time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// stream runs one websocket connection until it fails or ctx ends.
func (c *Client) stream(ctx context.Context, ref deviceRef, endpoint string, emit func(state.Event) bool, connected func()) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("User-Agent", c.userAgent)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialling push channel: HTTP %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dialling push channel: %w", err)
	}
	defer conn.Close()
	connected()
	c.logger.Debug("push channel connected", "device_id", ref.ID)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var msg pushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("reading push channel: %w", err)
		}
		if msg.Type != "" && msg.Type != "data" {
			continue
		}
		values, err := c.pushedValues(ctx, ref, msg.Data)
		if err != nil {
			c.logger.Warn("dropping push frame", "device_id", ref.ID, "error", err)
			continue
		}
		if len(values) == 0 {
			continue
		}
		target := string(msg.Data.ID)
		if target == "" {
			target = ref.ID
		}
		if !emit(state.Event{DeviceID: target, Values: values}) {
			return nil
		}
	}
}

func (c *Client) pushedValues(ctx context.Context, ref deviceRef, data infoData) (map[string]any, error) {
	snapshot, err := data.values(ref.Category)
	if err != nil {
		return nil, err
	}
	props, err := c.model(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.filterToModel(snapshot, props), nil
}

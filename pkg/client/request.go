package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classpulse/pkg/types"
)

// result settles one pending request: exactly one of ack or err is set
type result struct {
	ack *types.Ack
	err error
}

// Request sends command with payload and waits for its single ack. The wait
// is bounded by RequestTimeout or an earlier ctx deadline. Protocol failures
// are *RequestError; cancelling ctx returns ctx.Err().
func (c *Client) Request(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	frame, err := types.NewRequestFrame(id, command, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode payload: %w", command, err)
	}

	conn := c.openConn()
	if conn == nil {
		return nil, notConnected(command, nil)
	}

	settle := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[id] = settle
	c.pendingMu.Unlock()
	defer c.forget(id)

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	if err := c.write(conn, frame); err != nil {
		return nil, notConnected(command, err)
	}

	select {
	case res := <-settle:
		if res.err != nil {
			return nil, notConnected(command, res.err)
		}
		if !res.ack.Success {
			rejected := &RequestError{Command: command, Reason: ReasonServerRejected}
			if res.ack.Error != nil {
				rejected.ServerReason = res.ack.Error.Reason
				rejected.Message = res.ack.Error.Message
			}
			return nil, rejected
		}
		return res.ack.Data, nil

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &RequestError{Command: command, Reason: ReasonTimeout, Err: ctx.Err()}
		}
		return nil, ctx.Err()
	}
}

// RequestInto is Request followed by decoding the ack data into out
func (c *Client) RequestInto(ctx context.Context, command string, payload, out any) error {
	data, err := c.Request(ctx, command, payload)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode ack data: %w", command, err)
	}
	return nil
}

// malformedAck stands in for an ack frame that carried no body
var malformedAck = &types.Ack{Success: false, Error: &types.AckError{Message: "malformed ack"}}

// resolve settles the pending request id. Acks for ids that already timed
// out or never existed are dropped; an ack without a body is a rejection.
func (c *Client) resolve(id string, ack *types.Ack) {
	c.pendingMu.Lock()
	settle, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("dropping unmatched ack", zap.String("id", id))
		return
	}
	if ack == nil {
		c.logger.Warn("ack without body", zap.String("id", id))
		ack = malformedAck
	}
	settle <- result{ack: ack}
}

func (c *Client) forget(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failPending settles every outstanding request with cause
func (c *Client) failPending(cause error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.pendingMu.Unlock()

	for _, settle := range pending {
		settle <- result{err: cause}
	}
}

// Pending reports how many requests are awaiting an ack
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

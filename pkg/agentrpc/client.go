package agentrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTimeout is the per-call deadline absent an explicit override.
const DefaultTimeout = 30 * time.Second

// request is the wire envelope published to an agent's subject.
type request struct {
	Method    string        `json:"method"`
	Arguments []interface{} `json:"arguments"`
	ReplyTo   string        `json:"reply_to"`
}

// reply is the wire envelope an agent publishes back to the inbox it was
// given in ReplyTo.
type reply struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Exception *exception      `json:"exception,omitempty"`
}

type exception struct {
	Message string `json:"message"`
}

// idempotentMethods retry on timeout; all other methods do not, since a
// retried non-idempotent call could duplicate its side effect.
var idempotentMethods = map[string]bool{
	"ping":      true,
	"get_state": true,
	"get_task":  true,
}

// Client issues method calls against agents reachable over a Bus.
type Client struct {
	bus    *Bus
	logger zerolog.Logger
}

// New creates a Client over bus.
func New(bus *Bus) *Client {
	return &Client{bus: bus, logger: log.WithComponent("agentrpc")}
}

func agentSubject(agentID string) string {
	return fmt.Sprintf("agent.%s", agentID)
}

// Send issues method(args...) against agentID and waits for its reply, or
// for timeout to elapse (DefaultTimeout if zero). It returns apierror with
// Kind agent_timeout on a local deadline, or Kind remote_error when the
// agent's reply carries an exception.
func (c *Client) Send(ctx context.Context, agentID, method string, args []interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var lastErr error
	attempts := 1
	if idempotentMethods[method] {
		attempts = 2
	}

	for attempt := 0; attempt < attempts; attempt++ {
		value, err := c.sendOnce(ctx, agentID, method, args, timeout)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !apierror.Is(err, apierror.KindAgentTimeout) || !idempotentMethods[method] {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) sendOnce(ctx context.Context, agentID, method string, args []interface{}, timeout time.Duration) (json.RawMessage, error) {
	inbox := fmt.Sprintf("inbox.%s", uuid.NewString())
	ch, unsubscribe := c.bus.Subscribe(inbox)
	defer unsubscribe()

	req := request{Method: method, Arguments: args, ReplyTo: inbox}
	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug().Str("agent_id", agentID).Str("method", method).Str("inbox", inbox).Msg("sending agent rpc")
	c.bus.Publish(agentSubject(agentID), payload)

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, apierror.New(apierror.KindAgentUnreachable, "agent %s unsubscribed before replying", agentID)
		}
		var rep reply
		if err := json.Unmarshal(raw, &rep); err != nil {
			return nil, fmt.Errorf("unmarshal reply from %s: %w", agentID, err)
		}
		if rep.Exception != nil {
			return nil, apierror.New(apierror.KindRemoteError, "%s", rep.Exception.Message)
		}
		return rep.Value, nil
	case <-time.After(timeout):
		return nil, apierror.New(apierror.KindAgentTimeout, "agent %s did not reply to %s within %s", agentID, method, timeout)
	case <-ctx.Done():
		return nil, apierror.Wrap(apierror.KindCancelled, ctx.Err(), "cancelled waiting for agent %s", agentID)
	}
}

// WaitTask polls the agent's get_task method for taskID until it reports a
// terminal value, using exponential backoff capped at a few seconds.
func (c *Client) WaitTask(ctx context.Context, agentID, taskID string) (json.RawMessage, error) {
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		value, err := c.Send(ctx, agentID, "get_task", []interface{}{taskID}, DefaultTimeout)
		if err != nil {
			return nil, err
		}

		var status struct {
			State string          `json:"state"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(value, &status); err != nil {
			return nil, fmt.Errorf("unmarshal task status from %s: %w", agentID, err)
		}
		switch status.State {
		case "done":
			return status.Value, nil
		case "error":
			return nil, apierror.New(apierror.KindRemoteError, "agent task %s failed", taskID)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, apierror.Wrap(apierror.KindCancelled, ctx.Err(), "cancelled waiting for agent task %s", taskID)
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

package agentrpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent replies to every request published to its subject with whatever
// respond returns for it, simulating the agent side of the protocol for test
// purposes.
func fakeAgent(t *testing.T, bus *Bus, agentID string, respond func(req request) reply) func() {
	t.Helper()
	ch, unsubscribe := bus.Subscribe(agentSubject(agentID))
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case raw := <-ch:
				var req request
				require.NoError(t, json.Unmarshal(raw, &req))
				rep := respond(req)
				payload, err := json.Marshal(&rep)
				require.NoError(t, err)
				bus.Publish(req.ReplyTo, payload)
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		unsubscribe()
	}
}

func TestSendSuccess(t *testing.T) {
	bus := NewBus()
	client := New(bus)

	stop := fakeAgent(t, bus, "agent-1", func(req request) reply {
		assert.Equal(t, "ping", req.Method)
		val, _ := json.Marshal("pong")
		return reply{Value: val}
	})
	defer stop()

	value, err := client.Send(context.Background(), "agent-1", "ping", nil, time.Second)
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(value, &s))
	assert.Equal(t, "pong", s)
}

func TestSendRemoteError(t *testing.T) {
	bus := NewBus()
	client := New(bus)

	stop := fakeAgent(t, bus, "agent-2", func(req request) reply {
		return reply{Exception: &exception{Message: "apply failed"}}
	})
	defer stop()

	_, err := client.Send(context.Background(), "agent-2", "apply", []interface{}{map[string]string{}}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply failed")
}

func TestSendTimeout(t *testing.T) {
	bus := NewBus()
	client := New(bus)

	_, err := client.Send(context.Background(), "agent-unreachable", "ping", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not reply")
}

func TestWaitTaskPollsUntilDone(t *testing.T) {
	bus := NewBus()
	client := New(bus)

	var calls int
	stop := fakeAgent(t, bus, "agent-3", func(req request) reply {
		calls++
		state := "running"
		if calls >= 3 {
			state = "done"
		}
		val, _ := json.Marshal(map[string]string{"state": state})
		return reply{Value: val}
	})
	defer stop()

	_, err := client.WaitTask(context.Background(), "agent-3", "task-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 3)
}

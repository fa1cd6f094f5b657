package client

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMux_OrderAndIsolation(t *testing.T) {
	m := NewMux(nil)
	var calls []string

	m.Subscribe("notification:new", func(json.RawMessage) error {
		calls = append(calls, "first")
		return nil
	})
	m.Subscribe("notification:new", func(json.RawMessage) error {
		calls = append(calls, "broken")
		return errors.New("boom")
	})
	m.Subscribe("notification:new", func(json.RawMessage) error {
		panic("handler bug")
	})
	m.Subscribe("notification:new", func(json.RawMessage) error {
		calls = append(calls, "last")
		return nil
	})
	m.Subscribe("activity:new", func(json.RawMessage) error {
		calls = append(calls, "other feature")
		return nil
	})

	invoked := m.Publish("notification:new", json.RawMessage(`{}`))

	assert.Equal(t, 4, invoked)
	assert.Equal(t, []string{"first", "broken", "last"}, calls)
}

func TestMux_UnknownEvent(t *testing.T) {
	m := NewMux(nil)
	assert.Equal(t, 0, m.Publish("nobody:listens", nil))
}

func TestMux_DisposerIsIdempotent(t *testing.T) {
	m := NewMux(nil)
	count := 0
	handler := func(json.RawMessage) error {
		count++
		return nil
	}

	first := m.Subscribe("user:status-update", handler)
	m.Subscribe("user:status-update", handler)
	assert.Equal(t, 2, m.Handlers("user:status-update"))

	first()
	first()
	assert.Equal(t, 1, m.Handlers("user:status-update"), "disposing twice removes only its own registration")

	m.Publish("user:status-update", nil)
	assert.Equal(t, 1, count)
}

func TestMux_UnsubscribeDuringPublish(t *testing.T) {
	m := NewMux(nil)
	var calls []string
	var second func()

	m.Subscribe("activity:new", func(json.RawMessage) error {
		calls = append(calls, "first")
		second()
		return nil
	})
	second = m.Subscribe("activity:new", func(json.RawMessage) error {
		calls = append(calls, "second")
		return nil
	})

	m.Publish("activity:new", nil)
	m.Publish("activity:new", nil)

	assert.Equal(t, []string{"first", "second", "first"}, calls)
}

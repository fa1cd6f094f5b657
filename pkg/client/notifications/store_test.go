package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classpulse/pkg/client"
	"classpulse/pkg/types"
)

type fakeTransport struct {
	handlers map[string][]client.Handler
	answers  map[string]any
	failures map[string]error
	requests []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string][]client.Handler),
		answers:  make(map[string]any),
		failures: make(map[string]error),
	}
}

func (f *fakeTransport) RequestInto(ctx context.Context, command string, payload, out any) error {
	f.requests = append(f.requests, command)
	if err := f.failures[command]; err != nil {
		return err
	}
	answer, ok := f.answers[command]
	if !ok || out == nil {
		return nil
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeTransport) Subscribe(event string, handler client.Handler) func() {
	f.handlers[event] = append(f.handlers[event], handler)
	index := len(f.handlers[event]) - 1
	return func() { f.handlers[event][index] = nil }
}

func (f *fakeTransport) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	for _, h := range f.handlers[event] {
		if h != nil {
			require.NoError(t, h(data))
		}
	}
}

func note(id string, read bool) *types.Notification {
	return &types.Notification{ID: id, UserID: "u1", Type: "info", Title: "t-" + id, Read: read, CreatedAt: time.Now()}
}

func assertConsistent(t *testing.T, s *Store) {
	t.Helper()
	unread := 0
	for _, n := range s.Notifications() {
		if !n.Read {
			unread++
		}
	}
	assert.Equal(t, unread, s.UnreadCount())
	assert.GreaterOrEqual(t, s.UnreadCount(), 0)
}

func TestStore_FetchThenPushThenRead(t *testing.T) {
	ft := newFakeTransport()
	ft.answers[types.EventNotificationsGet] = types.NotificationList{Notifications: []*types.Notification{}, UnreadCount: 0}
	s := New(ft, nil)

	serverUnread, err := s.FetchInitial(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 0, serverUnread)
	assert.Empty(t, s.Notifications())

	ft.push(t, types.EventNotificationNew, note("n1", false))
	require.Len(t, s.Notifications(), 1)
	assert.Equal(t, 1, s.UnreadCount())
	assertConsistent(t, s)

	read := note("n1", true)
	ft.answers[types.EventNotificationRead] = read
	require.NoError(t, s.MarkRead(context.Background(), "n1"))
	assert.Equal(t, 0, s.UnreadCount())
	assert.True(t, s.Notifications()[0].Read)

	// idempotent
	require.NoError(t, s.MarkRead(context.Background(), "n1"))
	assert.Equal(t, 0, s.UnreadCount())
	assertConsistent(t, s)
}

func TestStore_FetchReplacesAndDedupes(t *testing.T) {
	ft := newFakeTransport()
	ft.answers[types.EventNotificationsGet] = types.NotificationList{
		Notifications: []*types.Notification{note("n3", false), note("n2", true), note("n3", false), note("n1", false)},
		UnreadCount:   7,
	}
	s := New(ft, nil)
	ft.push(t, types.EventNotificationNew, note("old", false))

	serverUnread, err := s.FetchInitial(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 7, serverUnread)

	ids := []string{}
	for _, n := range s.Notifications() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"n3", "n2", "n1"}, ids)
	assert.Equal(t, 2, s.UnreadCount())
}

func TestStore_PushNewOrderingAndDuplicates(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, nil)

	ft.push(t, types.EventNotificationNew, note("n1", false))
	ft.push(t, types.EventNotificationNew, note("n2", true))
	ft.push(t, types.EventNotificationNew, note("n1", false))

	list := s.Notifications()
	require.Len(t, list, 2)
	assert.Equal(t, "n2", list[0].ID, "newest first")
	assert.Equal(t, 1, s.UnreadCount(), "already read pushes do not count")
	assertConsistent(t, s)
}

func TestStore_PushUpdateNeverRevertsRead(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, nil)
	ft.push(t, types.EventNotificationNew, note("n1", false))
	ft.push(t, types.EventNotificationNew, note("n2", true))

	renamed := note("n1", true)
	renamed.Title = "renamed"
	ft.push(t, types.EventNotificationUpdate, renamed)
	ft.push(t, types.EventNotificationUpdate, note("n2", false))
	ft.push(t, types.EventNotificationUpdate, note("unknown", false))

	list := s.Notifications()
	require.Len(t, list, 2)
	assert.Equal(t, "renamed", list[1].Title)
	assert.True(t, list[0].Read, "n2 stays read")
	assert.Equal(t, 0, s.UnreadCount())
	assertConsistent(t, s)
}

func TestStore_PushDelete(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, nil)
	ft.push(t, types.EventNotificationNew, note("n1", false))
	ft.push(t, types.EventNotificationNew, note("n2", false))

	ft.push(t, types.EventNotificationDelete, types.NotificationRef{ID: "n1"})
	ft.push(t, types.EventNotificationDelete, types.NotificationRef{ID: "n1"})

	require.Len(t, s.Notifications(), 1)
	assert.Equal(t, 1, s.UnreadCount())
	assertConsistent(t, s)
}

func TestStore_BulkOperations(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, nil)
	for _, id := range []string{"n1", "n2", "n3"} {
		ft.push(t, types.EventNotificationNew, note(id, false))
	}

	require.NoError(t, s.MarkAllRead(context.Background()))
	assert.Equal(t, 0, s.UnreadCount())
	assert.Len(t, s.Notifications(), 3)

	require.NoError(t, s.ClearAll(context.Background()))
	assert.Empty(t, s.Notifications())
	assert.Equal(t, 0, s.UnreadCount())

	assert.Equal(t, []string{types.EventNotificationsReadAll, types.EventNotificationsClearAll}, ft.requests)
}

func TestStore_OptimisticChangeKeptOnFailure(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, nil)
	ft.push(t, types.EventNotificationNew, note("n1", false))

	rejected := &client.RequestError{Command: types.EventNotificationRead, Reason: client.ReasonServerRejected, ServerReason: types.ReasonNotFound}
	ft.failures[types.EventNotificationRead] = rejected

	err := s.MarkRead(context.Background(), "n1")
	assert.True(t, errors.Is(err, client.ErrServerRejected))
	assert.Equal(t, 0, s.UnreadCount())
	assertConsistent(t, s)
}

func TestStore_OnChangeAndClose(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, nil)
	changes := 0
	remove := s.OnChange(func() { changes++ })

	ft.push(t, types.EventNotificationNew, note("n1", false))
	ft.push(t, types.EventNotificationNew, note("n1", false))
	assert.Equal(t, 1, changes, "duplicates are not a change")

	remove()
	ft.push(t, types.EventNotificationNew, note("n2", false))
	assert.Equal(t, 1, changes)

	s.Close()
	ft.push(t, types.EventNotificationNew, note("n3", false))
	assert.Len(t, s.Notifications(), 2)
}

func TestStore_MalformedPush(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, nil)

	err := ft.handlers[types.EventNotificationNew][0](json.RawMessage(`{"id":`))
	assert.Error(t, err)
	err = ft.handlers[types.EventNotificationNew][0](json.RawMessage(`{"title":"no id"}`))
	assert.Error(t, err)
	assert.Empty(t, s.Notifications())
}

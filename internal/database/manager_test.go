package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classpulse/pkg/database"
	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := &database.Config{
		DatabasePath:    filepath.Join(t.TempDir(), "test.db"),
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 30,
	}

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	_, err = database.NewMigrationManager(manager.GetDB()).ApplyMigrations()
	require.NoError(t, err)
	return manager
}

func newNotification(id, userID string, at time.Time) *types.Notification {
	return &types.Notification{
		ID:        id,
		UserID:    userID,
		Type:      "grade",
		Title:     "Result published",
		Message:   "Term 1 results are out",
		CreatedAt: at,
	}
}

func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.DatabaseManager = (*Manager)(nil)
}

func TestManager_NotificationRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	n := newNotification("n1", "u1", time.Now())
	n.Metadata = map[string]any{"courseId": "c-9"}
	require.NoError(t, db.CreateNotification(ctx, n))

	got, err := db.GetNotification(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "Result published", got.Title)
	assert.False(t, got.Read)
	assert.Equal(t, "c-9", got.Metadata["courseId"])
	assert.WithinDuration(t, n.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = db.GetNotification(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestManager_ListNotificationsNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.CreateNotification(ctx, newNotification(fmt.Sprintf("n%d", i), "u1", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, db.CreateNotification(ctx, newNotification("other", "u2", time.Now())))

	list, err := db.ListNotifications(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "n4", list[0].ID)
	assert.Equal(t, "n3", list[1].ID)
	assert.Equal(t, "n2", list[2].ID)

	count, err := db.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestManager_MarkNotificationRead(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateNotification(ctx, newNotification("n1", "u1", time.Now())))

	changed, err := db.MarkNotificationRead(ctx, "u1", "n1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.MarkNotificationRead(ctx, "u1", "n1")
	require.NoError(t, err)
	assert.False(t, changed, "second mark is a no-op")

	_, err = db.MarkNotificationRead(ctx, "u2", "n1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "other users cannot see the notification")

	_, err = db.MarkNotificationRead(ctx, "u1", "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	count, err := db.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestManager_MarkAllAndClear(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, db.CreateNotification(ctx, newNotification(fmt.Sprintf("n%d", i), "u1", time.Now())))
	}
	_, err := db.MarkNotificationRead(ctx, "u1", "n0")
	require.NoError(t, err)

	changed, err := db.MarkAllNotificationsRead(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1", "n2"}, changed, "already read rows are not reported")

	changed, err = db.MarkAllNotificationsRead(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, changed)

	cleared, err := db.ClearNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n0", "n1", "n2"}, cleared)

	cleared, err = db.ClearNotifications(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, cleared)

	list, err := db.ListNotifications(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManager_UpdateAndDeleteNotification(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := newNotification("n1", "u1", time.Now())
	require.NoError(t, db.CreateNotification(ctx, n))

	n.Title = "Results corrected"
	n.Metadata = map[string]any{"revision": float64(2)}
	require.NoError(t, db.UpdateNotification(ctx, n))

	got, err := db.GetNotification(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "Results corrected", got.Title)
	assert.Equal(t, float64(2), got.Metadata["revision"])

	assert.ErrorIs(t, db.UpdateNotification(ctx, newNotification("missing", "u1", time.Now())), interfaces.ErrNotFound)

	// an edit carrying a stale unread copy leaves the read flag alone
	_, err = db.MarkNotificationRead(ctx, "u1", "n1")
	require.NoError(t, err)
	n.Read = false
	n.Title = "Results corrected again"
	require.NoError(t, db.UpdateNotification(ctx, n))
	got, err = db.GetNotification(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.Equal(t, "Results corrected again", got.Title)

	assert.ErrorIs(t, db.DeleteNotification(ctx, "u2", "n1"), interfaces.ErrNotFound)
	require.NoError(t, db.DeleteNotification(ctx, "u1", "n1"))
	assert.ErrorIs(t, db.DeleteNotification(ctx, "u1", "n1"), interfaces.ErrNotFound)
}

func TestManager_ActivitiesFilterAndPaging(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	kinds := []types.ActivityType{types.ActivityLogin, types.ActivityExamCreate, types.ActivityLogin, types.ActivityResultPublish}
	for i, kind := range kinds {
		user := "teacher"
		if i%2 == 0 {
			user = "student"
		}
		require.NoError(t, db.AppendActivity(ctx, &types.ActivityEvent{
			ID:          fmt.Sprintf("a%d", i),
			UserID:      user,
			Type:        kind,
			Description: string(kind),
			Metadata:    map[string]any{"i": float64(i)},
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := db.ListActivities(ctx, types.ActivityFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "a3", all[0].ID)
	assert.Equal(t, float64(3), all[0].Metadata["i"])

	page, err := db.ListActivities(ctx, types.ActivityFilter{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a1", page[0].ID)
	assert.Equal(t, "a0", page[1].ID)

	logins, err := db.ListActivities(ctx, types.ActivityFilter{Type: types.ActivityLogin}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, logins, 2)

	teacher, err := db.ListActivities(ctx, types.ActivityFilter{UserID: "teacher", Type: types.ActivityExamCreate}, 10, 0)
	require.NoError(t, err)
	require.Len(t, teacher, 1)
	assert.Equal(t, "a1", teacher[0].ID)
}

func TestManager_Presence(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.GetPresence(ctx, "u1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	seen := time.Now().Add(-time.Minute)
	require.NoError(t, db.SavePresence(ctx, &types.PresenceRecord{UserID: "u1", Status: types.StatusOnline, LastSeen: seen}))
	require.NoError(t, db.SavePresence(ctx, &types.PresenceRecord{UserID: "u1", Status: types.StatusOffline, LastSeen: seen.Add(time.Second)}))

	rec, err := db.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, rec.Status)
	assert.WithinDuration(t, seen.Add(time.Second), rec.LastSeen, time.Millisecond)
}

func TestManager_ConcurrentWrites(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- db.CreateNotification(ctx, newNotification(fmt.Sprintf("n%d", i), "u1", time.Now()))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	count, err := db.CountUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.HealthCheck(ctx))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	err := db.CreateNotification(ctx, newNotification("late", "u1", time.Now()))
	assert.ErrorIs(t, err, ErrManagerClosed)
}

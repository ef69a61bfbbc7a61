package notifications

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("n-%02d", p.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

type tickingClock struct {
	current time.Time
}

func (c *tickingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

var sender = devices.Device{Name: "Red Fox", Type: devices.TypeDesktop}

func newTestStore(t *testing.T, persister Persister) *Store {
	t.Helper()
	clock := &tickingClock{current: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store, err := NewStore(StoreConfig{
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
		Persister:  persister,
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notifications.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func ids(list []Notification) []string {
	result := make([]string, 0, len(list))
	for _, entry := range list {
		result = append(result, entry.ID)
	}
	return result
}

func TestNewStoreRejectsNegativeCapacity(t *testing.T) {
	_, err := NewStore(StoreConfig{Capacity: -1})
	var storeErr *StoreError
	if !errors.As(err, &storeErr) || storeErr.Code() != "notifications.store.new.invalid_capacity" {
		t.Fatalf("expected invalid capacity error, got %v", err)
	}
}

func TestStoreEvictsExactlyOneOldestEntry(t *testing.T) {
	store := newTestStore(t, nil)
	for index := 1; index <= 11; index++ {
		if _, err := store.Add(context.Background(), sender, fmt.Sprintf("share %d", index)); err != nil {
			t.Fatalf("unexpected add error: %v", err)
		}
		if store.Len() > MaxNotifications {
			t.Fatalf("store exceeded capacity after insert %d", index)
		}
	}

	entries := store.List()
	if len(entries) != MaxNotifications {
		t.Fatalf("expected %d entries, got %d", MaxNotifications, len(entries))
	}
	for position, entry := range entries {
		want := fmt.Sprintf("n-%02d", 11-position)
		if entry.ID != want {
			t.Fatalf("expected %s at position %d, got %v", want, position, ids(entries))
		}
	}
	if _, ok := store.Get("n-01"); ok {
		t.Fatal("expected the oldest entry to be evicted")
	}
}

func TestStoreAddStampsNotification(t *testing.T) {
	store := newTestStore(t, nil)
	notification, err := store.Add(context.Background(), sender, "hello")
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if notification.ID != "n-01" || notification.Text != "hello" || notification.From != sender {
		t.Fatalf("unexpected notification %#v", notification)
	}
	if !notification.Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", notification.Timestamp)
	}
}

func TestStoreAddReportsIDFailure(t *testing.T) {
	store, err := NewStore(StoreConfig{IDProvider: failingIDs{}})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if _, err := store.Add(context.Background(), sender, "hello"); err == nil {
		t.Fatal("expected id failure to surface")
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}

func TestStoreDeleteKeepsOrder(t *testing.T) {
	store := newTestStore(t, nil)
	for index := 0; index < 4; index++ {
		_, _ = store.Add(context.Background(), sender, "share")
	}
	if err := store.Delete(context.Background(), "n-03"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	got := ids(store.List())
	want := []string{"n-04", "n-02", "n-01"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if err := store.Delete(context.Background(), "n-03"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStorePersistsThroughRepository(t *testing.T) {
	db := openTestDatabase(t)
	repository, err := NewRepository(db)
	if err != nil {
		t.Fatalf("unexpected repository error: %v", err)
	}

	store := newTestStore(t, repository)
	for index := 1; index <= 12; index++ {
		if _, err := store.Add(context.Background(), sender, fmt.Sprintf("share %d", index)); err != nil {
			t.Fatalf("unexpected add error: %v", err)
		}
	}
	if err := store.Delete(context.Background(), "n-12"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	var count int64
	if err := db.Model(&Record{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 9 {
		t.Fatalf("expected 9 persisted records, got %d", count)
	}

	restored := newTestStore(t, repository)
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	entries := restored.List()
	if len(entries) != 9 || entries[0].ID != "n-11" || entries[8].ID != "n-03" {
		t.Fatalf("unexpected restored entries %v", ids(entries))
	}
	if entries[0].From != sender || entries[0].Text != "share 11" {
		t.Fatalf("unexpected restored entry %#v", entries[0])
	}
}

func TestStoreLoadTrimsToCapacity(t *testing.T) {
	db := openTestDatabase(t)
	repository, _ := NewRepository(db)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for index := 1; index <= 12; index++ {
		notification := Notification{
			ID:        fmt.Sprintf("n-%02d", index),
			From:      sender,
			Text:      "share",
			Timestamp: base.Add(time.Duration(index) * time.Second),
		}
		if err := repository.Save(context.Background(), notification); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}

	store := newTestStore(t, repository)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if store.Len() != MaxNotifications {
		t.Fatalf("expected trimmed store, got %d", store.Len())
	}
	persisted, _ := repository.List(context.Background())
	if len(persisted) != MaxNotifications || persisted[len(persisted)-1].ID != "n-03" {
		t.Fatalf("expected overflow records removed, got %v", ids(persisted))
	}
}

type brokenPersister struct{}

func (brokenPersister) Save(context.Context, Notification) error { return errors.New("disk full") }
func (brokenPersister) Delete(context.Context, string) error     { return errors.New("disk full") }
func (brokenPersister) List(context.Context) ([]Notification, error) {
	return nil, errors.New("disk full")
}

func TestStoreKeepsEntriesWhenPersistenceFails(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	store, err := NewStore(StoreConfig{Persister: brokenPersister{}, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if _, err := store.Add(context.Background(), sender, "hello"); err != nil {
		t.Fatalf("expected add to succeed despite persistence failure, got %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected in-memory entry, got %d", store.Len())
	}
	entries := logs.FilterMessage("notifications store error").All()
	if len(entries) != 1 || entries[0].ContextMap()["reason"] != "save_failed" {
		t.Fatalf("expected save failure to be logged, got %#v", entries)
	}
	if err := store.Load(context.Background()); err == nil {
		t.Fatal("expected load failure")
	}
}

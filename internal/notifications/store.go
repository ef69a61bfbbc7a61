// Package notifications keeps the shares a device could not apply live.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxNotifications bounds a Store unless configured otherwise.
const MaxNotifications = 10

const (
	opStoreNew    = "notifications.store.new"
	opStoreLoad   = "notifications.load"
	opStoreAdd    = "notifications.add"
	opStoreDelete = "notifications.delete"
)

var (
	// ErrNotFound indicates that no notification carries the requested id.
	ErrNotFound = errors.New("notifications: not found")

	errInvalidCapacity = errors.New("capacity must be positive")
)

// StoreError carries an operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Notification records a share that arrived while the device could not accept it.
type Notification struct {
	ID        string         `json:"id"`
	From      devices.Device `json:"from"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
}

// IDProvider issues notification identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Persister mirrors the store to durable storage.
type Persister interface {
	Save(ctx context.Context, notification Notification) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Notification, error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Capacity   int
	Clock      func() time.Time
	IDProvider IDProvider
	Persister  Persister
	Logger     *zap.Logger
}

// Store is a bounded newest-first collection. It is safe for concurrent use.
type Store struct {
	capacity   int
	clock      func() time.Time
	idProvider IDProvider
	persister  Persister
	logger     *zap.Logger

	mu      sync.Mutex
	entries []Notification
}

// NewStore constructs an empty Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = MaxNotifications
	}
	if capacity < 0 {
		return nil, newStoreError(opStoreNew, "invalid_capacity", errInvalidCapacity)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		capacity:   capacity,
		clock:      clock,
		idProvider: idProvider,
		persister:  cfg.Persister,
		logger:     logger,
		entries:    make([]Notification, 0, capacity),
	}, nil
}

// Load replaces the in-memory entries with the persisted ones, trimmed to capacity.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	stored, err := s.persister.List(ctx)
	if err != nil {
		s.logError(opStoreLoad, "list_failed", err)
		return newStoreError(opStoreLoad, "list_failed", err)
	}
	var overflow []Notification
	if len(stored) > s.capacity {
		overflow = stored[s.capacity:]
		stored = stored[:s.capacity]
	}

	s.mu.Lock()
	s.entries = append(s.entries[:0], stored...)
	s.mu.Unlock()

	for _, evicted := range overflow {
		if err := s.persister.Delete(ctx, evicted.ID); err != nil {
			s.logError(opStoreLoad, "evict_failed", err, zap.String("notification_id", evicted.ID))
		}
	}
	return nil
}

// Add records a share from sender at the front. At capacity the single
// oldest entry is evicted first.
func (s *Store) Add(ctx context.Context, from devices.Device, text string) (Notification, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opStoreAdd, "id_failed", err)
		return Notification{}, newStoreError(opStoreAdd, "id_failed", err)
	}
	notification := Notification{
		ID:        id,
		From:      from,
		Text:      text,
		Timestamp: s.clock().UTC(),
	}

	s.mu.Lock()
	var evicted *Notification
	if len(s.entries) >= s.capacity {
		oldest := s.entries[len(s.entries)-1]
		evicted = &oldest
		s.entries = s.entries[:len(s.entries)-1]
	}
	s.entries = append(s.entries, Notification{})
	copy(s.entries[1:], s.entries[:len(s.entries)-1])
	s.entries[0] = notification
	s.mu.Unlock()

	if s.persister != nil {
		if evicted != nil {
			if err := s.persister.Delete(ctx, evicted.ID); err != nil {
				s.logError(opStoreAdd, "evict_failed", err, zap.String("notification_id", evicted.ID))
			}
		}
		if err := s.persister.Save(ctx, notification); err != nil {
			s.logError(opStoreAdd, "save_failed", err, zap.String("notification_id", notification.ID))
		}
	}
	return notification, nil
}

// Delete removes the notification with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	index := -1
	for i, entry := range s.entries {
		if entry.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.entries = append(s.entries[:index], s.entries[index+1:]...)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Delete(ctx, id); err != nil {
			s.logError(opStoreDelete, "delete_failed", err, zap.String("notification_id", id))
		}
	}
	return nil
}

// Get returns the notification with id.
func (s *Store) Get(id string) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.ID == id {
			return entry, true
		}
	}
	return Notification{}, false
}

// List returns the entries newest first.
func (s *Store) List() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.entries...)
}

// Len reports the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notifications store error", attrs...)
}

// Package images stores shared clipboard images, brotli compressed, for a
// limited time.
package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultTTL is how long an image stays retrievable.
	DefaultTTL = 24 * time.Hour
	// DefaultMaxBytes bounds an uncompressed upload.
	DefaultMaxBytes = 16 << 20

	idPrefix = "img-"
)

const (
	opStoreNew   = "images.store.new"
	opStorePut   = "images.put"
	opStoreGet   = "images.get"
	opStorePurge = "images.purge"
)

var (
	// ErrNotFound indicates an unknown or expired image id.
	ErrNotFound = errors.New("images: not found")
	// ErrTooLarge indicates an upload above the configured size.
	ErrTooLarge = errors.New("images: too large")
	// ErrEmpty indicates an upload without bytes.
	ErrEmpty = errors.New("images: empty")

	errMissingDatabase = errors.New("database handle is required")
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

// Image is the persisted, compressed image.
type Image struct {
	ID            string `gorm:"column:id;primaryKey;size:64;not null"`
	Compressed    []byte `gorm:"column:compressed;not null"`
	OriginalBytes int64  `gorm:"column:original_bytes;not null"`
	CreatedAtMs   int64  `gorm:"column:created_at_ms;not null"`
	ExpiresAtMs   int64  `gorm:"column:expires_at_ms;not null;index:idx_images_expires"`
}

// TableName provides the explicit table binding for GORM.
func (Image) TableName() string {
	return "images"
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Database *gorm.DB
	TTL      time.Duration
	MaxBytes int64
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store keeps images in SQLite.
type Store struct {
	db       *gorm.DB
	ttl      time.Duration
	maxBytes int64
	clock    func() time.Time
	logger   *zap.Logger
}

// NewStore validates cfg.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, ttl: ttl, maxBytes: maxBytes, clock: clock, logger: logger}, nil
}

// MaxBytes reports the upload limit.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Put compresses and stores data and returns its id.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	compressed, err := compress(data)
	if err != nil {
		s.logError(opStorePut, "compress_failed", err)
		return "", newStoreError(opStorePut, "compress_failed", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", newStoreError(opStorePut, "id_failed", err)
	}

	now := s.clock().UTC()
	image := Image{
		ID:            idPrefix + id.String(),
		Compressed:    compressed,
		OriginalBytes: int64(len(data)),
		CreatedAtMs:   now.UnixMilli(),
		ExpiresAtMs:   now.Add(s.ttl).UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&image).Error; err != nil {
		s.logError(opStorePut, "insert_failed", err)
		return "", newStoreError(opStorePut, "insert_failed", err)
	}
	s.logger.Debug("image stored",
		zap.String("image_id", image.ID),
		zap.Int64("original_bytes", image.OriginalBytes),
		zap.Int("compressed_bytes", len(compressed)))
	return image.ID, nil
}

// Get returns the decompressed bytes stored under id.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	if !strings.HasPrefix(id, idPrefix) {
		return nil, ErrNotFound
	}
	var image Image
	err := s.db.WithContext(ctx).
		Where("id = ? AND expires_at_ms > ?", id, s.clock().UTC().UnixMilli()).
		Take(&image).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opStoreGet, "select_failed", err, zap.String("image_id", id))
		return nil, newStoreError(opStoreGet, "select_failed", err)
	}
	data, err := decompress(image.Compressed, s.maxBytes)
	if err != nil {
		s.logError(opStoreGet, "decompress_failed", err, zap.String("image_id", id))
		return nil, newStoreError(opStoreGet, "decompress_failed", err)
	}
	return data, nil
}

// PurgeExpired deletes every expired image and reports how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at_ms <= ?", s.clock().UTC().UnixMilli()).
		Delete(&Image{})
	if result.Error != nil {
		s.logError(opStorePurge, "delete_failed", result.Error)
		return 0, newStoreError(opStorePurge, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// RunPurger calls PurgeExpired every interval until ctx ends. onPurge, when
// set, receives the number of images each pass removed.
func (s *Store) RunPurger(ctx context.Context, interval time.Duration, onPurge func(int64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.Warn("image purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("expired images purged", zap.Int64("count", removed))
				if onPurge != nil {
					onPurge(removed)
				}
			}
		}
	}
}

func compress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := brotli.NewWriterLevel(&buffer, brotli.DefaultCompression)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func decompress(data []byte, limit int64) ([]byte, error) {
	reader := brotli.NewReader(bytes.NewReader(data))
	return io.ReadAll(io.LimitReader(reader, limit+1))
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
	s.logger.Error("images store error", attrs...)
}

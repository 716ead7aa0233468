// Package status publishes and reads the process-wide key/value fields
// that surrounding services use to observe this process's readiness and
// reference count. It is a narrow collaborator, not part of the framing or
// routing logic: the mux core only ever calls the handful of methods below.
package status

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Field names, kept identical to the controller's external contract so
// surrounding services that already watch them need no changes.
const (
	FieldHCIFilterStatus = "hci_filter_status"
	FieldRefCount        = "ref_count"
	FieldCleanUp         = "clean_up"
	FieldStartHCI        = "start_hci"
)

// Store is the process-wide key/value store, backed by a Redis hash.
type Store struct {
	client *redis.Client
	ctx    context.Context
	key    string
}

// New connects to Redis and returns a Store keyed at hashKey.
func New(addr, password string, db int, hashKey string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("status: connect to redis: %w", err)
	}

	return &Store{client: client, ctx: ctx, key: hashKey}, nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// SetAndPublish writes a field and publishes the change on the hash key's
// channel, mirroring the write-then-notify pattern surrounding services
// already rely on for hci_filter_status transitions.
func (s *Store) SetAndPublish(field, value string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(s.ctx, s.key, field, value)
	pipe.Publish(s.ctx, s.key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(s.ctx)
	if err != nil {
		return fmt.Errorf("status: set+publish %s: %w", field, err)
	}
	return nil
}

// Set writes a field without publishing.
func (s *Store) Set(field, value string) error {
	if err := s.client.HSet(s.ctx, s.key, field, value).Err(); err != nil {
		return fmt.Errorf("status: set %s: %w", field, err)
	}
	return nil
}

// GetString reads a field as a string, defaulting to "" if unset.
func (s *Store) GetString(field string) (string, error) {
	val, err := s.client.HGet(s.ctx, s.key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("status: get %s: %w", field, err)
	}
	return val, nil
}

// GetInt reads a field as an integer, defaulting to 0 if unset.
func (s *Store) GetInt(field string) (int, error) {
	val, err := s.GetString(field)
	if err != nil {
		return 0, err
	}
	if val == "" {
		return 0, nil
	}
	return strconv.Atoi(val)
}

// MarkTransportReady sets hci_filter_status to "1" and publishes the
// transition, indicating the transport is open and accepting.
func (s *Store) MarkTransportReady() error {
	return s.SetAndPublish(FieldHCIFilterStatus, "1")
}

// MarkTransportStopped sets hci_filter_status to "0", publishes the
// transition, and sets start_hci to "false" — the same pair of writes the
// controller's shutdown path performs.
func (s *Store) MarkTransportStopped() error {
	if err := s.SetAndPublish(FieldHCIFilterStatus, "0"); err != nil {
		return err
	}
	return s.Set(FieldStartHCI, "false")
}

// DecrementRefCountIfNotCleaningUp reads clean_up and, if it is "0",
// decrements ref_count by one and writes it back.
func (s *Store) DecrementRefCountIfNotCleaningUp() error {
	cleanUp, err := s.GetInt(FieldCleanUp)
	if err != nil {
		return err
	}

	refCount, err := s.GetInt(FieldRefCount)
	if err != nil {
		return err
	}

	next, ok := nextRefCount(cleanUp, refCount)
	if !ok {
		return nil
	}
	return s.Set(FieldRefCount, next)
}

// nextRefCount is the pure decision core of DecrementRefCountIfNotCleaningUp,
// split out so it can be exercised without a Redis connection. It reports
// the serialized next ref_count value, bounded to at most 3 ASCII
// characters as the controller's snprintf(..., 3, "%d", ...) does, and
// whether a write is warranted at all.
func nextRefCount(cleanUp, refCount int) (string, bool) {
	if cleanUp != 0 {
		return "", false
	}
	if refCount <= 0 {
		return "", false
	}

	serialized := strconv.Itoa(refCount - 1)
	if len(serialized) > 3 {
		serialized = serialized[:3]
	}
	return serialized, true
}

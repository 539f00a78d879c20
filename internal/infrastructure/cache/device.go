package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/storefront/backend/internal/infrastructure/storage"
)

// DeviceIDKey is the profile key holding the persistent device identifier.
const DeviceIDKey = "device:id"

// LoadOrCreateDeviceID returns the device id of the profile, creating it on
// first use. Concurrent callers on the same profile agree on one id.
func LoadOrCreateDeviceID(ctx context.Context, store storage.Storage) (string, error) {
	if id, ok, err := store.Get(ctx, DeviceIDKey); err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	} else if ok && id != "" {
		return id, nil
	}

	candidate := uuid.NewString()
	created, err := store.SetIfAbsent(ctx, DeviceIDKey, candidate)
	if err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	if created {
		return candidate, nil
	}
	id, ok, err := store.Get(ctx, DeviceIDKey)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if !ok || id == "" {
		return "", fmt.Errorf("device id disappeared while being created")
	}
	return id, nil
}

// NewTabID returns a fresh identifier for one engine instance.
func NewTabID() string {
	return uuid.NewString()[:8]
}

// OriginID joins device and tab ids into the identity stamped on broadcasts.
func OriginID(deviceID, tabID string) string {
	return deviceID + "/" + tabID
}

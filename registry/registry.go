// Package registry tracks the device tokens eligible to receive push
// notifications, along with per-device metadata.
package registry

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Device is one registered destination.
type Device struct {
	// Token is the opaque endpoint handle issued by the platform's
	// client-side SDK. It is the sole identity of a registration.
	Token string `json:"token"`

	Label      string `json:"label,omitempty"`
	Model      string `json:"model,omitempty"`
	OSVersion  string `json:"os_version,omitempty"`
	AppVersion string `json:"app_version,omitempty"`

	// RegisteredAt is set on first registration and never changes.
	RegisteredAt time.Time `json:"registered_at"`
	// LastSeenAt is bumped on every registration and every successful
	// delivery, so RegisteredAt <= LastSeenAt always holds.
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Info carries the optional metadata supplied at registration. Empty
// fields leave the stored values untouched.
type Info struct {
	Label      string `json:"label"`
	Model      string `json:"model"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`
}

var (
	// ErrInvalidToken is returned for handles that cannot be device
	// tokens.
	ErrInvalidToken = errors.New("invalid device token")
	// ErrNotFound is returned when a device is not registered.
	ErrNotFound = errors.New("device not found")
)

// Store is the device registry contract. Registration is an idempotent
// upsert keyed by token: re-registering merges non-empty Info fields over
// the stored record instead of creating a duplicate.
type Store interface {
	// Register upserts the device and bumps LastSeenAt.
	Register(ctx context.Context, token string, info *Info) error

	// Unregister removes the device and reports whether anything was
	// removed. An absent token is not an error.
	Unregister(ctx context.Context, token string) (bool, error)

	// Get retrieves one device, or ErrNotFound.
	Get(ctx context.Context, token string) (*Device, error)

	// List returns a snapshot of all registered devices. Iteration
	// order is unspecified.
	List(ctx context.Context) ([]*Device, error)

	// Count returns the number of registered devices.
	Count(ctx context.Context) (int, error)

	// Touch records a successful delivery to the device by moving
	// LastSeenAt forward. Touching an unregistered token is a no-op,
	// not an error: the device may have been removed while a delivery
	// was in flight.
	Touch(ctx context.Context, token string, seen time.Time) error

	// Close releases the store's resources.
	Close() error
}

// ValidateToken rejects handles that cannot be device tokens before they
// reach a store or the provider.
func ValidateToken(token string) error {
	if token == "" || strings.ContainsAny(token, " \t\r\n/") {
		return ErrInvalidToken
	}
	return nil
}

// merge applies the non-empty fields of info over d.
func merge(d *Device, info *Info) {
	if info == nil {
		return
	}
	if info.Label != "" {
		d.Label = info.Label
	}
	if info.Model != "" {
		d.Model = info.Model
	}
	if info.OSVersion != "" {
		d.OSVersion = info.OSVersion
	}
	if info.AppVersion != "" {
		d.AppVersion = info.AppVersion
	}
}

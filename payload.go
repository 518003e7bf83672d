package apns

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Notification is a generic push request, mapped to the provider's wire
// payload by Payload.
type Notification struct {
	// Title and Body are the displayed alert text. Both are required.
	Title string
	Body  string

	// Subtitle and Category are included only when set.
	Subtitle string
	Category string

	// Sound names the sound file to play; empty means the platform
	// default sound.
	Sound string

	// Badge sets the app icon badge count when non-nil. Negative
	// values are rejected.
	Badge *int

	// Data is merged into the top level of the wire payload, next to
	// the reserved "aps" structure. A key that collides with "aps" is
	// rejected rather than allowed to overwrite the alert.
	Data map[string]any
}

type wireAlert struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	Body     string `json:"body"`
}

// Payload renders the provider JSON body for the notification.
func (n *Notification) Payload() ([]byte, error) {
	if n.Title == "" || n.Body == "" {
		return nil, errors.New("notification needs a title and a body")
	}
	aps := map[string]any{
		"alert": wireAlert{Title: n.Title, Subtitle: n.Subtitle, Body: n.Body},
	}
	sound := n.Sound
	if sound == "" {
		sound = "default"
	}
	aps["sound"] = sound
	if n.Badge != nil {
		if *n.Badge < 0 {
			return nil, fmt.Errorf("badge must not be negative, got %d", *n.Badge)
		}
		aps["badge"] = *n.Badge
	}
	if n.Category != "" {
		aps["category"] = n.Category
	}

	payload := map[string]any{"aps": aps}
	for k, v := range n.Data {
		if k == "aps" {
			return nil, fmt.Errorf("custom data key %q collides with the reserved payload structure", k)
		}
		payload[k] = v
	}
	return json.Marshal(payload)
}

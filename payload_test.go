package apns

import (
	"encoding/json"
	"strings"
	"testing"
)

func decodePayload(t *testing.T, n *Notification) map[string]any {
	t.Helper()
	data, err := n.Payload()
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("Payload() produced invalid JSON: %v", err)
	}
	return payload
}

func TestPayload_Shape(t *testing.T) {
	badge := 3
	n := &Notification{Title: "Hello", Body: "World", Badge: &badge}

	data, err := n.Payload()
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if strings.Contains(string(data), "subtitle") {
		t.Errorf("Payload() contains a subtitle key: %s", data)
	}

	var payload struct {
		Aps struct {
			Alert struct {
				Title string `json:"title"`
				Body  string `json:"body"`
			} `json:"alert"`
			Badge int    `json:"badge"`
			Sound string `json:"sound"`
		} `json:"aps"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if payload.Aps.Alert.Title != "Hello" {
		t.Errorf("aps.alert.title = %q, want Hello", payload.Aps.Alert.Title)
	}
	if payload.Aps.Alert.Body != "World" {
		t.Errorf("aps.alert.body = %q, want World", payload.Aps.Alert.Body)
	}
	if payload.Aps.Badge != 3 {
		t.Errorf("aps.badge = %d, want 3", payload.Aps.Badge)
	}
	if payload.Aps.Sound != "default" {
		t.Errorf("aps.sound = %q, want the default sound", payload.Aps.Sound)
	}
}

func TestPayload_OptionalFields(t *testing.T) {
	n := &Notification{
		Title:    "Hi",
		Body:     "There",
		Subtitle: "sub",
		Category: "MESSAGE",
		Sound:    "chime.caf",
	}
	payload := decodePayload(t, n)
	aps := payload["aps"].(map[string]any)
	alert := aps["alert"].(map[string]any)
	if alert["subtitle"] != "sub" {
		t.Errorf("subtitle = %v, want sub", alert["subtitle"])
	}
	if aps["category"] != "MESSAGE" {
		t.Errorf("category = %v, want MESSAGE", aps["category"])
	}
	if aps["sound"] != "chime.caf" {
		t.Errorf("sound = %v, want chime.caf", aps["sound"])
	}
	if _, ok := aps["badge"]; ok {
		t.Error("badge present without being set")
	}
}

func TestPayload_CustomData(t *testing.T) {
	n := &Notification{
		Title: "Hi",
		Body:  "There",
		Data:  map[string]any{"thread": "t-1", "count": 2},
	}
	payload := decodePayload(t, n)
	if payload["thread"] != "t-1" {
		t.Errorf("thread = %v, want t-1", payload["thread"])
	}
	if payload["count"] != float64(2) {
		t.Errorf("count = %v, want 2", payload["count"])
	}
	// Custom keys live next to aps, never inside it.
	aps := payload["aps"].(map[string]any)
	if _, ok := aps["thread"]; ok {
		t.Error("custom key leaked into the aps structure")
	}
}

func TestPayload_Rejections(t *testing.T) {
	negative := -1
	tests := []struct {
		name string
		n    *Notification
	}{
		{"missing title", &Notification{Body: "b"}},
		{"missing body", &Notification{Title: "t"}},
		{"negative badge", &Notification{Title: "t", Body: "b", Badge: &negative}},
		{"reserved key collision", &Notification{
			Title: "t", Body: "b",
			Data: map[string]any{"aps": "overwrite"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.n.Payload(); err == nil {
				t.Error("Payload() succeeded, want error")
			}
		})
	}
}

package apns

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Class buckets delivery failures by what the caller should do about them.
type Class int

const (
	// ClassConfiguration means the provider key material is unreadable
	// or malformed. Fatal: fix the deployment, do not retry.
	ClassConfiguration Class = iota + 1
	// ClassConnection means the provider was never reached, or stopped
	// responding before a status arrived. Retryable.
	ClassConnection
	// ClassThrottled is HTTP 429. Retryable with backoff.
	ClassThrottled
	// ClassUnavailable is HTTP 5xx. Retryable with backoff.
	ClassUnavailable
	// ClassPermanent covers HTTP 400, 403 and 410: bad request, auth
	// mismatch, or a destination that is gone. Not retryable.
	ClassPermanent
	// ClassUnknown is any other non-200 status, treated as permanent
	// until understood.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassConnection:
		return "connection"
	case ClassThrottled:
		return "throttled"
	case ClassUnavailable:
		return "unavailable"
	case ClassPermanent:
		return "permanent"
	case ClassUnknown:
		return "unknown"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Error is a classified delivery failure.
type Error struct {
	Class      Class
	StatusCode int    // 0 when no response was received
	Reason     string // provider reason string, when the body carried one
	Timestamp  int64  // provider timestamp in milliseconds, for Unregistered
	Body       string // raw response body, for diagnostics
	Err        error  // underlying error, when any
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("apns: %s: %v", e.Class, e.Err)
	case e.Reason != "":
		if msg, ok := reasons[e.Reason]; ok {
			return fmt.Sprintf("apns: %s: %s", e.Class, msg)
		}
		return fmt.Sprintf("apns: %s: status %d (%s)", e.Class, e.StatusCode, e.Reason)
	default:
		return fmt.Sprintf("apns: %s: status %d", e.Class, e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt can reasonably succeed.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ClassConnection, ClassThrottled, ClassUnavailable:
		return true
	}
	return false
}

// Unregistered reports whether the provider said the destination token is
// no longer valid for the topic. Callers should drop such tokens from the
// registry; APNs keeps rejecting them and eventually throttles senders
// that ignore the signal.
func (e *Error) Unregistered() bool {
	if e.StatusCode == http.StatusGone {
		return true
	}
	switch e.Reason {
	case "BadDeviceToken", "MissingDeviceToken", "DeviceTokenNotForTopic",
		"TopicDisallowed", "Unregistered":
		return true
	}
	return false
}

// Time returns the provider timestamp attached to an Unregistered
// rejection: the last moment the token was known valid.
func (e *Error) Time() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(e.Timestamp/1000, 0)
}

// classify maps a non-200 provider response to an Error. body is the
// fully read response body.
func classify(status int, body []byte) *Error {
	e := &Error{StatusCode: status, Body: string(body)}
	var detail struct {
		Reason    string `json:"reason"`
		Timestamp int64  `json:"timestamp"`
	}
	if json.Unmarshal(body, &detail) == nil {
		e.Reason = detail.Reason
		e.Timestamp = detail.Timestamp
	}
	switch {
	case status == http.StatusBadRequest,
		status == http.StatusForbidden,
		status == http.StatusGone:
		e.Class = ClassPermanent
	case status == http.StatusTooManyRequests:
		e.Class = ClassThrottled
	case status >= 500 && status < 600:
		e.Class = ClassUnavailable
	default:
		e.Class = ClassUnknown
	}
	return e
}

// reasons maps the provider's reason strings to readable messages.
var reasons = map[string]string{
	"BadDeviceToken":              "the device token is invalid for this environment",
	"DeviceTokenNotForTopic":      "the device token does not match the topic",
	"MissingDeviceToken":          "no device token in the request path",
	"Unregistered":                "the device token is inactive for the topic",
	"BadTopic":                    "the apns-topic value is invalid",
	"MissingTopic":                "the apns-topic header is required",
	"TopicDisallowed":             "pushing to this topic is not allowed",
	"ExpiredProviderToken":        "the provider token is stale",
	"InvalidProviderToken":        "the provider token signature could not be verified",
	"MissingProviderToken":        "the authorization header is missing",
	"TooManyProviderTokenUpdates": "the provider token is being rotated too often",
	"TooManyRequests":             "too many requests for the same device token",
	"PayloadEmpty":                "the message payload is empty",
	"PayloadTooLarge":             "the message payload exceeds the maximum size",
	"InternalServerError":         "the provider hit an internal error",
	"ServiceUnavailable":          "the provider is unavailable",
	"Shutdown":                    "the provider is shutting down",
}

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chainguard-dev/clog"

	"github.com/pushgate/apns"
	"github.com/pushgate/apns/registry"
	"github.com/pushgate/apns/retry"
)

type server struct {
	client *apns.Client
	store  registry.Store
	retry  retry.Config
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.register)
	mux.HandleFunc("DELETE /register/{token}", s.unregister)
	mux.HandleFunc("GET /devices", s.devices)
	mux.HandleFunc("POST /push/{token}", s.push)
	mux.HandleFunc("POST /broadcast", s.broadcast)
	return mux
}

type registerRequest struct {
	Token string `json:"token"`
	registry.Info
}

func (s *server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.store.Register(r.Context(), req.Token, &req.Info); err != nil {
		if errors.Is(err, registry.ErrInvalidToken) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	clog.FromContext(r.Context()).Infof("registered device %s", req.Token)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) unregister(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.Unregister(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, registry.ErrInvalidToken) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *server) devices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(devices),
		"devices": devices,
	})
}

type notificationRequest struct {
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Subtitle string         `json:"subtitle"`
	Category string         `json:"category"`
	Sound    string         `json:"sound"`
	Badge    *int           `json:"badge"`
	Data     map[string]any `json:"data"`
}

func (n *notificationRequest) notification() *apns.Notification {
	return &apns.Notification{
		Title:    n.Title,
		Body:     n.Body,
		Subtitle: n.Subtitle,
		Category: n.Category,
		Sound:    n.Sound,
		Badge:    n.Badge,
		Data:     n.Data,
	}
}

// deliveryStatus is the wire form of one delivery outcome.
type deliveryStatus struct {
	Device string `json:"device"`
	ID     string `json:"id,omitempty"`
	OK     bool   `json:"ok"`
	Class  string `json:"class,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func status(res apns.Result) deliveryStatus {
	st := deliveryStatus{Device: res.Device, ID: res.ID, OK: res.Err == nil}
	if res.Err != nil {
		st.Class = res.Err.Class.String()
		st.Detail = res.Err.Error()
	}
	return st
}

// push sends to one destination, retrying retryable failures with
// backoff. A rejection that marks the token invalid removes the device
// from the registry.
func (s *server) push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device := r.PathValue("token")

	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	n := req.notification()

	var res apns.Result
	_ = retry.Do(ctx, s.retry, func() error {
		res = s.client.Send(ctx, device, n)
		if res.Err != nil && res.Err.Retryable() {
			return res.Err
		}
		return nil
	})
	s.cleanup(r, res)

	code := http.StatusOK
	if res.Err != nil {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, status(res))
}

// broadcast fans out to the whole registry. No retries: each destination
// gets exactly one attempt and failures are reported per device.
func (s *server) broadcast(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	out, err := s.client.Broadcast(r.Context(), req.notification())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	statuses := make([]deliveryStatus, 0, len(out.Results))
	for _, res := range out.Results {
		s.cleanup(r, res)
		statuses = append(statuses, status(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      out.Total,
		"successful": out.Successful,
		"results":    statuses,
	})
}

// cleanup drops a device whose token the provider declared invalid.
func (s *server) cleanup(r *http.Request, res apns.Result) {
	if res.Err == nil || !res.Err.Unregistered() {
		return
	}
	log := clog.FromContext(r.Context())
	if removed, err := s.store.Unregister(r.Context(), res.Device); err != nil {
		log.Errorf("removing rejected device %s: %v", res.Device, err)
	} else if removed {
		log.Infof("removed device %s: provider reports the token gone", res.Device)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

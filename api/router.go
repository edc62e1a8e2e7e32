// Package api exposes the bus over a REST + SSE interface: known devices,
// enumerate triggers, per-function response-expected policy, and a live
// event stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"tinkerlink/device"
	"tinkerlink/ipconn"
	"tinkerlink/statestore"
	"tinkerlink/tfconfig"
)

// enumerateResult pairs an EnumerateStream.Next() return pair so it can
// travel over a channel.
type enumerateResult struct {
	resp ipconn.EnumerateResponse
	ok   bool
}

// DeviceResponse is the JSON response for a known device.
type DeviceResponse struct {
	UID              string `json:"uid"`
	DeviceIdentifier uint16 `json:"device_identifier,omitempty"`
	LastSeen         string `json:"last_seen,omitempty"`
}

// EnumerateResponse is the JSON response for one enumerate frame.
type EnumerateResponse struct {
	UID             string `json:"uid"`
	ConnectedUID    string `json:"connected_uid"`
	Position        string `json:"position"`
	EnumerationType string `json:"enumeration_type"`
}

// responseExpectedRegistry tracks, per uid/function id, whether a Set
// call should await a response. Absent entries default to true (the
// safe choice absent generated-binding knowledge of the function).
type responseExpectedRegistry struct {
	mu      sync.RWMutex
	entries map[string]map[uint8]bool
}

func newResponseExpectedRegistry() *responseExpectedRegistry {
	return &responseExpectedRegistry{entries: make(map[string]map[uint8]bool)}
}

func (r *responseExpectedRegistry) get(uidStr string, functionID uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fns, ok := r.entries[uidStr]; ok {
		if v, ok := fns[functionID]; ok {
			return v
		}
	}
	return true
}

func (r *responseExpectedRegistry) set(uidStr string, functionID uint8, expected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[uidStr] == nil {
		r.entries[uidStr] = make(map[uint8]bool)
	}
	r.entries[uidStr][functionID] = expected
}

// handlers holds the API handler functions and their dependencies.
type handlers struct {
	conn     *ipconn.Connection
	store    *statestore.Manager
	cfg      *tfconfig.Config
	hub      *eventHub
	sessions *sessionStore
	policy   *responseExpectedRegistry
}

// newDeviceHandle builds a throwaway device.Device bound to conn, used
// only to reach ipconn's per-device helpers (UID decode, callback
// filtering) from code that has no generated binding.
func newDeviceHandle(uidStr string, conn *ipconn.Connection) (*device.Device, error) {
	return device.New(uidStr, conn)
}

// NewRouter creates the REST + SSE router. Returns the router and a
// cleanup function that stops the SSE hub.
func NewRouter(conn *ipconn.Connection, store *statestore.Manager, cfg *tfconfig.Config) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{
		conn:     conn,
		store:    store,
		cfg:      cfg,
		hub:      newEventHub(),
		sessions: newSessionStore(cfg.Web.UI.SessionSecret),
		policy:   newResponseExpectedRegistry(),
	}

	r.Get("/events", h.handleSSE)
	r.Get("/devices", h.handleListDevices)
	r.Get("/devices/{uid}/response-expected/{fid}", h.handleGetResponseExpected)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Post("/enumerate", h.handleEnumerate)
		r.Post("/password", h.handleChangePassword)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Use(h.requireAdmin)
		r.Put("/devices/{uid}/response-expected/{fid}", h.handleSetResponseExpected)
	})

	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	return r, h.hub.Stop
}

func (h *handlers) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.Web.UI.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		if _, _, ok := h.sessions.getUser(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin restricts a route to admin-role sessions. Like
// requireSession it is a no-op while the web UI (and with it the whole
// login surface) is disabled.
func (h *handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.Web.UI.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		_, role, ok := h.sessions.getUser(r)
		if !ok || !isAdmin(role) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleListDevices returns every device the state store has cached
// frames for.
func (h *handlers) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeJSON(w, []DeviceResponse{})
		return
	}
	uids := h.store.KnownDeviceUIDs()
	resp := make([]DeviceResponse, 0, len(uids))
	for _, u := range uids {
		resp = append(resp, DeviceResponse{UID: u})
	}
	h.writeJSON(w, resp)
}

// handleEnumerate triggers an enumerate round and returns every response
// received within a short collection window.
func (h *handlers) handleEnumerate(w http.ResponseWriter, r *http.Request) {
	stream, err := h.conn.Enumerate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer stream.Close()

	done := make(chan struct{})
	defer close(done)

	resultCh := make(chan enumerateResult)
	go func() {
		for {
			resp, ok := stream.Next()
			select {
			case resultCh <- enumerateResult{resp, ok}:
			case <-done:
				return
			}
			if !ok {
				return
			}
		}
	}()

	var results []EnumerateResponse
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case r := <-resultCh:
			if !r.ok {
				break collect
			}
			results = append(results, EnumerateResponse{
				UID:             r.resp.UID,
				ConnectedUID:    r.resp.ConnectedUID,
				Position:        string(rune(r.resp.Position)),
				EnumerationType: enumerationTypeName(r.resp.EnumerationType),
			})
		case <-deadline:
			break collect
		}
	}
	h.writeJSON(w, results)
}

// handleGetResponseExpected reports the current response-expected policy
// for one uid/function id.
func (h *handlers) handleGetResponseExpected(w http.ResponseWriter, r *http.Request) {
	uidStr := chi.URLParam(r, "uid")
	fid, err := parseFunctionID(chi.URLParam(r, "fid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, map[string]interface{}{
		"uid":               uidStr,
		"function_id":       fid,
		"response_expected": h.policy.get(uidStr, fid),
	})
}

// handleSetResponseExpected updates the response-expected policy for one
// uid/function id.
func (h *handlers) handleSetResponseExpected(w http.ResponseWriter, r *http.Request) {
	uidStr := chi.URLParam(r, "uid")
	fid, err := parseFunctionID(chi.URLParam(r, "fid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var body struct {
		ResponseExpected bool `json:"response_expected"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	h.policy.set(uidStr, fid, body.ResponseExpected)
	w.WriteHeader(http.StatusNoContent)
}

func enumerationTypeName(t ipconn.EnumerationType) string {
	switch t {
	case ipconn.Available:
		return "available"
	case ipconn.Connected:
		return "connected"
	case ipconn.Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func parseFunctionID(raw string) (uint8, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 255 {
		return 0, errInvalidFunctionID
	}
	return uint8(n), nil
}

var errInvalidFunctionID = errors.New("invalid function id")

// handleLogin authenticates against cfg.Web.UI.Users and opens a session.
func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	user := h.cfg.FindWebUser(body.Username)
	if user == nil || !checkPassword(body.Password, user.PasswordHash) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := h.sessions.setUser(w, r, user.Username, user.Role); err != nil {
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}

	// A session is opened either way, but a forced-change account only
	// gets far enough to call POST /password.
	if user.MustChangePassword {
		h.writeJSON(w, map[string]interface{}{"must_change_password": true})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChangePassword lets the logged-in user replace their own
// password, clearing any pending must-change flag and persisting the
// config if it was loaded from disk.
func (h *handlers) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	username, _, ok := h.sessions.getUser(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NewPassword == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	user := h.cfg.FindWebUser(username)
	if user == nil || !checkPassword(body.OldPassword, user.PasswordHash) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	hash, err := hashPassword(body.NewPassword)
	if err != nil {
		http.Error(w, "hash error", http.StatusInternalServerError)
		return
	}
	user.PasswordHash = hash
	user.MustChangePassword = false
	if path := h.cfg.Path(); path != "" {
		if err := h.cfg.Save(path); err != nil {
			http.Error(w, "save error", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Routes handles the subscription management surface. Subscriptions ride on
// the stream URL space via query parameters: PUT /path?subscription=NAME
// registers a webhook for streams matching /path (globs allowed), and
// GET /path?subscriptions lists registrations for that pattern.
type Routes struct {
	Store      *Store
	Dispatcher *Dispatcher
}

// NewRoutes creates a Routes handler over the subscription store.
func NewRoutes(store *Store, dispatcher *Dispatcher) *Routes {
	return &Routes{Store: store, Dispatcher: dispatcher}
}

// HandleRequest tries to handle a request as a subscription route.
// Returns true if the request was handled, false if it should be passed
// through to the stream handler.
func (rt *Routes) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	query := r.URL.Query()
	_, hasSubscription := query["subscription"]
	_, hasSubscriptions := query["subscriptions"]

	if !hasSubscription && !hasSubscriptions {
		return false
	}

	pattern := r.URL.Path

	if hasSubscription {
		name := query.Get("subscription")
		if name == "" {
			http.Error(w, "Missing subscription name", http.StatusBadRequest)
			return true
		}

		switch r.Method {
		case http.MethodPut:
			rt.handleCreate(w, r, pattern, name)
		case http.MethodGet:
			rt.handleGet(w, pattern, name)
		case http.MethodDelete:
			rt.handleDelete(w, pattern, name)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return true
	}

	if r.Method == http.MethodGet {
		rt.handleList(w, pattern)
		return true
	}
	return false
}

func (rt *Routes) handleCreate(w http.ResponseWriter, r *http.Request, pattern, name string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var parsed struct {
		Webhook     string `json:"webhook"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if parsed.Webhook == "" {
		http.Error(w, "Missing required field: webhook", http.StatusBadRequest)
		return
	}

	sub, created, err := rt.Store.Create(pattern, name, parsed.Webhook, parsed.Description)
	if err != nil {
		if errors.Is(err, ErrSubConfigDiff) {
			http.Error(w, "Subscription already exists with different configuration", http.StatusConflict)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := subscriptionJSON(sub)
	if created {
		resp["webhook_secret"] = sub.Secret
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (rt *Routes) handleGet(w http.ResponseWriter, pattern, name string) {
	sub, err := rt.Store.Get(pattern, name)
	if err != nil {
		http.Error(w, "Subscription not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionJSON(sub))
}

func (rt *Routes) handleDelete(w http.ResponseWriter, pattern, name string) {
	if err := rt.Store.Delete(pattern, name); err != nil {
		http.Error(w, "Subscription not found", http.StatusNotFound)
		return
	}
	if rt.Dispatcher != nil {
		rt.Dispatcher.Unsubscribe(pattern, name)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Routes) handleList(w http.ResponseWriter, pattern string) {
	subs := rt.Store.List(pattern)

	items := make([]map[string]interface{}, 0, len(subs))
	for _, sub := range subs {
		items = append(items, subscriptionJSON(sub))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": items,
	})
}

// subscriptionJSON renders the public view of a subscription. The secret is
// omitted; it is only disclosed once, on creation.
func subscriptionJSON(sub *Subscription) map[string]interface{} {
	m := map[string]interface{}{
		"name":    sub.Name,
		"pattern": sub.Pattern,
		"webhook": sub.URL,
		"cursor":  sub.Cursor,
	}
	if sub.Description != "" {
		m["description"] = sub.Description
	}
	return m
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

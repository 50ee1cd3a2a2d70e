package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/forwarder"
)

// AdminHandlers serves the forwarder admin API
type AdminHandlers struct {
	fwd *forwarder.Forwarder
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(fwd *forwarder.Forwarder) *AdminHandlers {
	return &AdminHandlers{fwd: fwd}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}
	return limit, nil
}

// messageRequest is the body of POST /channels/{uid}/messages
type messageRequest struct {
	Destination string                 `json:"destination"`
	Body        string                 `json:"body"`
	Reliable    bool                   `json:"reliable"`
	Persistent  bool                   `json:"persistent"`
	ExpiryMS    int64                  `json:"expiry_ms"` // unix millis, 0 never expires
	Properties  map[string]interface{} `json:"properties"`
}

func (m messageRequest) message() *engine.Message {
	msg := &engine.Message{
		Destination: m.Destination,
		Properties:  m.Properties,
		Body:        []byte(m.Body),
		Expiry:      m.ExpiryMS,
		Reliable:    m.Reliable,
	}
	if m.Persistent {
		msg.Flags |= engine.FlagPersistent
	}
	return msg
}

// deliveryView is a destination message as returned by browse
type deliveryView struct {
	Seq        uint64                 `json:"seq"`
	Body       string                 `json:"body"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Expiry     int64                  `json:"expiry_ms,omitempty"`
	Persistent bool                   `json:"persistent"`
	Reliable   bool                   `json:"reliable"`
}

// txnView is an engine transaction as returned by GET /transactions
type txnView struct {
	XID      string `json:"xid"`
	State    string `json:"state"`
	Puts     int    `json:"puts"`
	Consumes int    `json:"consumes"`
}

package admin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/forwarder/engine"
	"github.com/maxpert/forwarder/xid"
)

// Router builds the admin API. The server mounts it under /admin.
func Router(handlers *AdminHandlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/channels", func(r chi.Router) {
		r.Get("/", handlers.handleListChannels)
		r.Get("/{uid}", handlers.handleGetChannel)
		r.Post("/{uid}/messages", handlers.handleForwardMessage)
	})

	r.Get("/transactions", handlers.handleListTransactions)
	r.Post("/transactions/{xid}/complete", handlers.handleCompleteTransaction)

	// destination names contain slashes
	r.Get("/destinations/*", handlers.handleBrowseDestination)

	log.Info().Msg("Admin endpoints enabled at /admin/{channels,transactions,destinations}")
	return r
}

// handleListChannels handles GET /admin/channels
func (h *AdminHandlers) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.fwd.Channels())
}

// handleGetChannel handles GET /admin/channels/{uid}
func (h *AdminHandlers) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	info, ok := h.fwd.Channel(uid)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "channel '"+uid+"' not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}

// handleForwardMessage handles POST /admin/channels/{uid}/messages
func (h *AdminHandlers) handleForwardMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	seq, err := h.fwd.Forward(chi.URLParam(r, "uid"), req.message())
	if err != nil {
		writeErrorResponse(w, errorStatus(err), err.Error())
		return
	}
	writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{"seq": seq})
}

// handleListTransactions handles GET /admin/transactions
func (h *AdminHandlers) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txns := h.fwd.Engine().Transactions()
	out := make([]txnView, 0, len(txns))
	for _, t := range txns {
		out = append(out, txnView{
			XID:      t.XID.String(),
			State:    t.State.String(),
			Puts:     t.Puts,
			Consumes: t.Consumes,
		})
	}
	writeJSONResponse(w, http.StatusOK, out)
}

// handleCompleteTransaction handles POST /admin/transactions/{xid}/complete?outcome=commit|rollback
func (h *AdminHandlers) handleCompleteTransaction(w http.ResponseWriter, r *http.Request) {
	x, err := xid.ParseString(chi.URLParam(r, "xid"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var outcome engine.Outcome
	switch r.URL.Query().Get("outcome") {
	case "commit":
		outcome = engine.OutcomeCommit
	case "rollback":
		outcome = engine.OutcomeRollback
	default:
		writeErrorResponse(w, http.StatusBadRequest, "outcome must be commit or rollback")
		return
	}

	if err := h.fwd.Engine().CompleteGlobalTransaction(x, outcome); err != nil {
		writeErrorResponse(w, errorStatus(err), err.Error())
		return
	}
	log.Warn().Str("xid", x.String()).Str("outcome", r.URL.Query().Get("outcome")).
		Msg("Transaction completed heuristically by operator")
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"xid": x.String(), "outcome": r.URL.Query().Get("outcome")})
}

// handleBrowseDestination handles GET /admin/destinations/{name}?limit=N
func (h *AdminHandlers) handleBrowseDestination(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" {
		writeErrorResponse(w, http.StatusBadRequest, "destination name is required")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.fwd.Engine().Browse(name, limit)
	if err != nil {
		writeErrorResponse(w, errorStatus(err), err.Error())
		return
	}
	out := make([]deliveryView, 0, len(msgs))
	for _, d := range msgs {
		out = append(out, deliveryView{
			Seq:        d.Seq,
			Body:       string(d.Body),
			Properties: d.Properties,
			Expiry:     d.Expiry,
			Persistent: d.Flags&engine.FlagPersistent != 0,
			Reliable:   d.Reliable,
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"destination": name,
		"depth":       h.fwd.Engine().DestinationDepth(name),
		"messages":    out,
	})
}

// errorStatus maps engine and forwarder errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, xid.ErrArgNotValid), errors.Is(err, xid.ErrMalformed), errors.Is(err, xid.ErrUnknownBranch):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case engine.IsHeuristic(err), errors.Is(err, engine.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, engine.ErrDestinationFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

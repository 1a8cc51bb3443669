package main

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/planware/syncd/server/apperr"
)

// webhookBodyLimit guards against oversized deliveries.
const webhookBodyLimit = 1 << 20

// POST /webhooks/notion. The sender requires a response within 3 seconds,
// so validation happens inline and everything else after the 200.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		a.writeError(w, apperr.Wrap(apperr.KindValidation, "read webhook body", err))
		return
	}

	envelope, err := a.ingest.Accept(r.Context(), r.Header, body)
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})

	if envelope == nil {
		// Consumed by capture mode.
		return
	}

	// Detached from the request: the sender already has its 200.
	eventID := uuid.NewString()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.ingest.Process(ctx, *envelope, eventID)
	}()
}

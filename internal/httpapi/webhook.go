package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/avonite/ledgersync/internal/remote"
	"github.com/avonite/ledgersync/internal/webhook"
)

// signatureHeader carries the provider's payload signature
const signatureHeader = "X-Signature"

// HandleWebhook handles POST /v1/webhook
// Any failure returns non-2xx so the provider redelivers; at-least-once
// delivery is safe because the write path is idempotent under the guard.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	err = s.Applier.ProcessWebhook(r.Context(), body, r.Header.Get(signatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, remote.ErrAuth):
			log.Warn().Err(err).Msg("webhook signature rejected")
			writeError(w, http.StatusUnauthorized, "signature verification failed")
		case errors.Is(err, webhook.ErrInvalidEvent):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Msg("webhook processing failed")
			writeError(w, http.StatusInternalServerError, "event processing failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/avonite/ledgersync/internal/auth"
)

type wipeRequest struct {
	Confirm string `json:"confirm"` // Must be "WIPE"
}

type wipeResponse struct {
	Deleted map[string]int `json:"deleted"`
}

// WipeAccount permanently deletes all synced rows for the engine's account
// across every registered table. Requires the explicit confirmation string;
// run state is left intact for audit.
func (s *Server) WipeAccount(w http.ResponseWriter, r *http.Request) {
	var req wipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Confirm != "WIPE" {
		writeError(w, http.StatusBadRequest, "confirmation required: must send {\"confirm\":\"WIPE\"}")
		return
	}

	var tables []string
	seen := make(map[string]bool)
	for _, res := range s.Registry.All() {
		table, _ := s.Registry.TableFor(res.Name)
		if !seen[table] {
			tables = append(tables, table)
			seen[table] = true
		}
		if res.ChildTable != "" && !seen[res.ChildTable] {
			tables = append(tables, res.ChildTable)
			seen[res.ChildTable] = true
		}
	}

	deleted, err := s.Writes.DangerouslyDeleteSyncedAccountData(r.Context(), s.Driver.AccountID, tables)
	if err != nil {
		log.Error().Err(err).Msg("account wipe failed")
		writeError(w, http.StatusInternalServerError, "wipe failed")
		return
	}

	log.Info().Str("by", auth.Subject(r.Context())).Interface("deleted", deleted).
		Msg("account data wiped via API")
	writeJSON(w, http.StatusOK, wipeResponse{Deleted: deleted})
}

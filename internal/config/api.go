package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

type ConfigResponse struct {
	Status string `json:"status"`
}

// NewUpdateHandler returns the handler internal/control registers at
// the config-update endpoint of the Unix-socket Host API (§6):
// whole-config replacement from a JSON body, same shape as the
// teacher's manager/http.go handlers (read body, apply, log, respond).
func NewUpdateHandler(log *slog.Logger, cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		err = cfg.UpdateFromJSON(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		log.Info("configuration updated",
			"interfaces", len(cfg.InterfacesSnapshot()),
			"nat_public_interface", natPublicInterface(cfg.NATSnapshot()))

		res := ConfigResponse{
			Status: "ok",
		}

		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			http.Error(w, fmt.Sprintf("error generating response: %v", err), http.StatusInternalServerError)
		}
	}
}

func natPublicInterface(nat *NATConfig) string {
	if nat == nil {
		return ""
	}
	return nat.PublicInterface
}

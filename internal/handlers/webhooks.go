// Package handlers is the HTTP boundary. Providers always get a 200 for
// event deliveries no matter what happened inside: a non-200 only invites a
// retry storm, so internal failures go to the logs instead.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/ingest"
	"github.com/kwamkid/aoochat-sub002/internal/models"
)

// maxBodyBytes caps webhook bodies; provider payloads are far smaller.
const maxBodyBytes = 1 << 20

// VerifyWebhook handles GET /webhooks/{platform}: the subscription
// handshake. The challenge token goes back byte-for-byte.
func VerifyWebhook(d *ingest.Dispatcher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := models.Platform(mux.Vars(r)["platform"])

		challenge, err := d.VerifyChallenge(p, r.URL.Query())
		if err != nil {
			log.Warn("challenge verification rejected",
				zap.String("platform", string(p)), zap.Error(err))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, challenge)
	}
}

// ReceiveWebhook handles POST /webhooks/{platform}: one event delivery.
func ReceiveWebhook(d *ingest.Dispatcher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := models.Platform(mux.Vars(r)["platform"])

		rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			log.Warn("failed to read webhook body",
				zap.String("platform", string(p)), zap.Error(err))
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		res := d.ProcessWebhook(r.Context(), p, rawBody, r.Header)
		if !res.Accepted {
			log.Warn("webhook dropped",
				zap.String("platform", string(p)),
				zap.String("reason", res.Message))
		}

		// Always 200 with a minimal ack, whatever the internal outcome.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		writeJSON(w, log, map[string]string{"status": "received"})
	}
}

// HealthCheck reports liveness.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode response failed", zap.Error(err))
	}
}

package intake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hearthci/stoker/pkg/errdefs"
)

// maxBodyBytes bounds a delivery body.
const maxBodyBytes = 1 << 20

// Sign computes the signature header value for a body. Exported for
// clients and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Handler returns the webhook HTTP adapter.
func (i *Intake) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", i.handleWebhook)
	return mux
}

func (i *Intake) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method_not_allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "bad_payload", "code": "bad_payload"})
		return
	}

	ack, err := i.Ingest(r.Context(), r.Header, body)
	if err != nil {
		switch {
		case errdefs.IsSecurity(err):
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "bad_signature"})
		case errdefs.IsValidation(err):
			// Validation rejects carry the wire code as their message.
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error(), "code": err.Error()})
		default:
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "transient"})
		}
		return
	}

	resp := map[string]interface{}{"received": true}
	if ack.Duplicate {
		resp["duplicate"] = true
	}
	if ack.JobID != "" {
		resp["job_id"] = ack.JobID
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Server owns the intake listener.
type Server struct {
	intake *Intake
	srv    *http.Server
}

func NewServer(i *Intake, addr string) *Server {
	return &Server{
		intake: i,
		srv: &http.Server{
			Addr:              addr,
			Handler:           i.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Stop. The returned channel yields the terminal
// listener error, if any.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

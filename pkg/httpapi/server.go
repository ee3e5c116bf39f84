// Package httpapi provides the HTTP framing around the operations and
// artifacts APIs. A runnable binary needs a concrete transport; this
// one follows a plain ServeMux + promhttp health-server shape rather
// than pulling in a routing framework.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/artifacts"
	"github.com/vana-com/personal-server/pkg/events"
	"github.com/vana-com/personal-server/pkg/log"
	"github.com/vana-com/personal-server/pkg/metrics"
	"github.com/vana-com/personal-server/pkg/orchestrator"
)

// Server wires the Operations and Artifacts APIs onto a single
// http.ServeMux, plus health, metrics, and operation-events endpoints.
type Server struct {
	orch      *orchestrator.Orchestrator
	artifacts *artifacts.Store
	broker    *events.Broker
	mux       *http.ServeMux
}

// New builds a Server's routes. broker may be nil, in which case the
// events endpoint answers 501 Not Implemented and never streams.
func New(orch *orchestrator.Orchestrator, artifactStore *artifacts.Store, broker *events.Broker) *Server {
	s := &Server{orch: orch, artifacts: artifactStore, broker: broker, mux: http.NewServeMux()}

	s.mux.Handle("/health", metrics.HealthHandler())
	s.mux.Handle("/ready", metrics.ReadyHandler())
	s.mux.Handle("/live", metrics.LivenessHandler())
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/v1/operations", s.createOperation)
	s.mux.HandleFunc("/v1/operations/", s.operationByID)
	s.mux.HandleFunc("/v1/artifacts", s.listArtifacts)
	s.mux.HandleFunc("/v1/artifacts/download", s.downloadArtifact)
	s.mux.HandleFunc("/v1/events", s.streamEvents)

	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start blocks serving addr.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // agent operations stay pending past any fixed write deadline
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

type createRequest struct {
	AppSignature         string          `json:"app_signature"`
	OperationRequestJSON json.RawMessage `json:"operation_request_json"`
}

// createOperation implements `create`: input
// { app_signature, operation_request_json }, output { id, created_at },
// accepted = 202 semantics.
func (s *Server) createOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.KindValidation, "malformed request body", err))
		return
	}
	sig, err := decodeSignature(req.AppSignature)
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	result, err := s.orch.Create(r.Context(), req.OperationRequestJSON, sig)
	metrics.OperationCreateDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Logger.Warn().Err(err).Msg("operation create failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         result.ID,
		"created_at": result.CreatedAt,
	})
}

// operationByID dispatches get/cancel by method for
// /v1/operations/<id>.
func (s *Server) operationByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/operations/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		view, err := s.orch.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":          view.ID,
			"status":      view.Status,
			"started_at":  view.StartedAt,
			"finished_at": view.FinishedAt,
			"result":      view.Result,
			"error":       view.Error,
		})
	case http.MethodDelete:
		ok, err := s.orch.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			http.Error(w, "operation not cancellable", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// streamEvents serves a server-sent-events stream of lifecycle
// notifications for a single operation id, closing when the client
// disconnects or the broker is stopped.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	opID := r.URL.Query().Get("operation_id")
	if opID == "" {
		http.Error(w, "operation_id is required", http.StatusBadRequest)
		return
	}
	if s.broker == nil {
		http.Error(w, "event streaming is not configured", http.StatusNotImplemented)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.OperationID != opID {
				continue
			}
			body, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, body)
			flusher.Flush()
			if evt.Type == events.EventOperationSucceeded || evt.Type == events.EventOperationFailed || evt.Type == events.EventOperationCancelled {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// listArtifacts implements the Artifacts API's `list`: the
// signed payload is the exact string
// `{"operation_id":"<id>","action":"list"}`.
func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	opID := r.URL.Query().Get("operation_id")
	sigHex := r.URL.Query().Get("signature")
	sig, err := decodeSignature(sigHex)
	if err != nil {
		writeError(w, err)
		return
	}

	payload := fmt.Sprintf(`{"operation_id":"%s","action":"list"}`, opID)
	requester, err := orchestrator.RecoverSigner([]byte(payload), sig)
	if err != nil {
		writeError(w, err)
		return
	}

	items, err := s.artifacts.List(opID, requester.Hex())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation_id": opID, "artifacts": items})
}

// downloadArtifact implements the Artifacts API's `download`: the
// signed payload is `{"operation_id":"<id>","artifact_path":"<p>"}`.
func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	opID := r.URL.Query().Get("operation_id")
	artifactPath := r.URL.Query().Get("artifact_path")
	sigHex := r.URL.Query().Get("signature")
	sig, err := decodeSignature(sigHex)
	if err != nil {
		writeError(w, err)
		return
	}

	payload := fmt.Sprintf(`{"operation_id":"%s","artifact_path":"%s"}`, opID, artifactPath)
	requester, err := orchestrator.RecoverSigner([]byte(payload), sig)
	if err != nil {
		writeError(w, err)
		return
	}

	bytes, contentType, err := s.artifacts.Download(opID, artifactPath, requester.Hex())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bytes)
}

func decodeSignature(sigHex string) ([]byte, error) {
	sigHex = strings.TrimPrefix(sigHex, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, apperrors.New(apperrors.KindValidation, "malformed signature encoding", err)
	}
	return sig, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var statusCodes = map[apperrors.Kind]int{
	apperrors.KindValidation:      http.StatusBadRequest,
	apperrors.KindAuthentication:  http.StatusUnauthorized,
	apperrors.KindAuthorization:   http.StatusForbidden,
	apperrors.KindNotFound:        http.StatusNotFound,
	apperrors.KindGrantValidation: http.StatusUnprocessableEntity,
	apperrors.KindChain:           http.StatusBadGateway,
	apperrors.KindContent:         http.StatusBadGateway,
	apperrors.KindDecryption:      http.StatusUnprocessableEntity,
	apperrors.KindCompute:         http.StatusBadGateway,
	apperrors.KindSandbox:         http.StatusBadGateway,
	apperrors.KindInternal:        http.StatusInternalServerError,
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status, ok := statusCodes[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": err.Error()})
}

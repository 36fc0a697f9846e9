// Package httpapi wires the Orchestrator to the coordinator's inbound HTTP
// surface using httprouter, the same low-allocation router the rest of the
// storage-node ecosystem this ships alongside already depends on. Every
// handler does exactly one thing: decode, call the orchestrator, encode.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkmaster/internal/coorderr"
	"github.com/jaywantadh/chunkmaster/internal/liveness"
	"github.com/jaywantadh/chunkmaster/internal/model"
	"github.com/jaywantadh/chunkmaster/internal/orchestrator"
)

// API binds an Orchestrator to an httprouter.Router.
type API struct {
	orch              *orchestrator.Orchestrator
	replicationFactor int
}

func New(orch *orchestrator.Orchestrator, replicationFactor int) *API {
	return &API{orch: orch, replicationFactor: replicationFactor}
}

// Router builds the httprouter.Router exposing every endpoint.
func (a *API) Router() *httprouter.Router {
	r := httprouter.New()
	r.POST("/register", a.handleRegister)
	r.POST("/unregister", a.handleUnregister)
	r.POST("/heartbeat", a.handleHeartbeat)
	r.POST("/upload", a.handleUpload)
	r.GET("/metadata", a.handleGetMetadata)
	r.DELETE("/delete", a.handleDelete)
	r.GET("/files", a.handleListFiles)
	r.GET("/health", a.handleHealth)
	r.GET("/stats", a.handleStats)
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithField("component", "httpapi").WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	if cerr, ok := err.(*coorderr.Error); ok {
		writeJSON(w, cerr.HTTPStatus(), map[string]string{"status": "error", "message": cerr.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type registerRequest struct {
	Url string `json:"url"`
	ID  string `json:"id"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil || req.Url == "" {
		writeError(w, coorderr.Validation("invalid url"))
		return
	}
	a.orch.RegisterNode(req.Url, req.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "url": req.Url})
}

type unregisterRequest struct {
	Url string `json:"url"`
}

func (a *API) handleUnregister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req unregisterRequest
	if err := decodeJSON(r, &req); err != nil || req.Url == "" {
		writeError(w, coorderr.Validation("invalid url"))
		return
	}
	a.orch.UnregisterNode(req.Url)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type heartbeatRequest struct {
	ID            string           `json:"id"`
	Url           string           `json:"url"`
	Status        string           `json:"status"`
	TimestampMs   int64            `json:"timestamp"`
	Inventory     map[string][]int `json:"inventory"`
	TotalChunks   int              `json:"totalChunks"`
	StorageUsedMB float64          `json:"storageUsedMB"`
	FreeSpaceMB   int              `json:"freeSpaceMB"`
	CanWrite      bool             `json:"canWrite"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, coorderr.Validation("malformed heartbeat payload"))
		return
	}
	if req.Url == "" || (req.Status != string(liveness.StatusUp) && req.Status != string(liveness.StatusShutdown)) {
		writeError(w, coorderr.Validation("heartbeat missing url or invalid status"))
		return
	}

	ts := time.Now()
	if req.TimestampMs > 0 {
		ts = time.UnixMilli(req.TimestampMs)
	}

	err := a.orch.Heartbeat(orchestrator.HeartbeatRequest{
		Url:       req.Url,
		NodeID:    req.ID,
		Status:    liveness.HeartbeatStatus(req.Status),
		Timestamp: ts,
		Inventory: req.Inventory,
		Capacity: model.CapacityMetrics{
			TotalChunks:   req.TotalChunks,
			StorageUsedMB: req.StorageUsedMB,
			FreeSpaceMB:   req.FreeSpaceMB,
			CanWrite:      req.CanWrite,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"message":   "heartbeat accepted",
		"timestamp": ts.UnixMilli(),
	})
}

type uploadRequest struct {
	FileID string `json:"fileId"`
	Size   int64  `json:"size"`
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil || req.FileID == "" || req.Size <= 0 {
		writeError(w, coorderr.Validation("upload requires a non-empty fileId and positive size"))
		return
	}

	f, err := a.orch.PlanUpload(req.FileID, req.Size)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"fileId":            f.FileID,
		"chunks":            f.Chunks,
		"replicationFactor": a.replicationFactor,
	})
}

func (a *API) handleGetMetadata(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fileID := r.URL.Query().Get("fileId")
	if fileID == "" {
		writeError(w, coorderr.Validation("fileId is required"))
		return
	}

	f, err := a.orch.GetPlacement(fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"fileId":    f.FileID,
		"size":      f.Size,
		"chunks":    f.Chunks,
		"timestamp": f.Timestamp,
	})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fileID := r.URL.Query().Get("fileId")
	if fileID == "" {
		writeError(w, coorderr.Validation("fileId is required"))
		return
	}

	result, err := a.orch.DeleteFile(fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !result.Existed {
		writeError(w, coorderr.NotFound("file "+fileID+" not found"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"replicasDeleted": result.ReplicasDeleted,
		"replicasFailed":  result.ReplicasFailed,
	})
}

func (a *API) handleListFiles(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	files := a.orch.ListFiles()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "files": files})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.orch.Health(a.replicationFactor))
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.orch.Stats())
}

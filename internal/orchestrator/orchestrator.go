// Package orchestrator exposes the coordinator's stable request/response
// surface: every HTTP handler calls exactly one Orchestrator method, which
// in turn drives the Metadata Store, Node Registry, Liveness Tracker and
// Placement Planner under one roof. Nothing outside this package (besides
// the HTTP layer itself) needs to know those components exist.
package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkmaster/internal/audit"
	"github.com/jaywantadh/chunkmaster/internal/coorderr"
	"github.com/jaywantadh/chunkmaster/internal/liveness"
	"github.com/jaywantadh/chunkmaster/internal/model"
	"github.com/jaywantadh/chunkmaster/internal/placement"
	"github.com/jaywantadh/chunkmaster/internal/registry"
	"github.com/jaywantadh/chunkmaster/internal/store"
)

// NodeClient is the subset of the node HTTP client the orchestrator needs
// to clean up chunk data on delete.
type NodeClient interface {
	DeleteChunk(ctx context.Context, nodeUrl, fileID string, chunkIndex int) error
}

// Orchestrator is the single entry point the HTTP layer talks to.
type Orchestrator struct {
	store     *store.Store
	registry  *registry.Registry
	liveness  *liveness.Tracker
	placement *placement.Planner
	auditLog  *audit.Log
	nodes     NodeClient
	ioTimeout time.Duration
}

func New(s *store.Store, r *registry.Registry, l *liveness.Tracker, p *placement.Planner, a *audit.Log, nodes NodeClient, ioTimeout time.Duration) *Orchestrator {
	return &Orchestrator{store: s, registry: r, liveness: l, placement: p, auditLog: a, nodes: nodes, ioTimeout: ioTimeout}
}

// RegisterNode records a node as known. Re-registration is allowed and
// always audited.
func (o *Orchestrator) RegisterNode(url, id string) model.Node {
	return o.registry.Register(url, id)
}

// UnregisterNode removes url from the registry. It does not affect
// liveness state or in-progress repairs.
func (o *Orchestrator) UnregisterNode(url string) {
	o.registry.Unregister(url)
}

// HeartbeatRequest is the decoded body of a POST /heartbeat call.
type HeartbeatRequest struct {
	Url       string
	NodeID    string
	Status    liveness.HeartbeatStatus
	Timestamp time.Time
	Inventory map[string][]int
	Capacity  model.CapacityMetrics
}

// Heartbeat feeds one heartbeat into the Liveness Tracker. The node must
// have called RegisterNode first: a heartbeat from an unregistered url is
// rejected with a validation error and not recorded by the tracker.
func (o *Orchestrator) Heartbeat(req HeartbeatRequest) error {
	if !o.registry.IsRegistered(req.Url) {
		return coorderr.Validation("node " + req.Url + " is not registered")
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	o.liveness.Heartbeat(req.Url, req.NodeID, req.Status, ts, req.Inventory, req.Capacity)
	return nil
}

// PlanUpload selects replica placements for a new file and persists them.
func (o *Orchestrator) PlanUpload(fileID string, size int64) (*model.File, error) {
	return o.placement.PlanUpload(fileID, size)
}

// GetPlacement returns fileID's current placement, filtered to alive
// replicas, failing DataUnavailable if any chunk has none left.
func (o *Orchestrator) GetPlacement(fileID string) (*model.File, error) {
	return o.placement.FilterForRead(fileID)
}

// DeleteResult reports how many chunk replicas were actually removed from
// their nodes before the metadata record was dropped.
type DeleteResult struct {
	Existed         bool
	ReplicasDeleted int
	ReplicasFailed  int
}

// DeleteFile best-effort deletes every chunk replica of fileID from its
// node, then removes the metadata record regardless of how many replica
// deletes failed — a node that is down or rejects the delete will still
// have its orphaned chunk reclaimed by that node's own local GC; the
// coordinator's job is to stop tracking the file.
func (o *Orchestrator) DeleteFile(fileID string) (DeleteResult, error) {
	f, err := o.store.Get(fileID)
	if err != nil {
		return DeleteResult{}, err
	}

	var deleted, failed int
	for _, c := range f.Chunks {
		ctx, cancel := context.WithTimeout(context.Background(), o.ioTimeout)
		err := o.nodes.DeleteChunk(ctx, c.NodeUrl, fileID, c.ChunkIndex)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{"component": "orchestrator", "fileId": fileID, "node": c.NodeUrl}).WithError(err).Warn("chunk delete failed during file delete")
			failed++
			continue
		}
		deleted++
	}

	existed, err := o.store.Delete(fileID)
	if err != nil {
		return DeleteResult{Existed: existed, ReplicasDeleted: deleted, ReplicasFailed: failed}, err
	}
	return DeleteResult{Existed: existed, ReplicasDeleted: deleted, ReplicasFailed: failed}, nil
}

// ListFiles returns every file currently tracked.
func (o *Orchestrator) ListFiles() []*model.File {
	return o.store.List()
}

// HealthStatus is the /health response payload.
type HealthStatus struct {
	Status                     string `json:"status"`
	TotalNodes                 int    `json:"totalNodes"`
	AliveNodes                 int    `json:"aliveNodes"`
	DeadNodes                  int    `json:"deadNodes"`
	CanMaintainReplication     bool   `json:"canMaintainReplication"`
	MetadataPersistenceHealthy bool   `json:"metadataPersistenceHealthy"`
}

// Health reports cluster health. A cluster is DEGRADED if persistence is
// unhealthy or there are not enough alive nodes to place a new file at the
// configured replication factor.
func (o *Orchestrator) Health(replicationFactor int) HealthStatus {
	alive, total := o.liveness.Counts()
	canMaintain := alive >= replicationFactor
	persistenceHealthy := o.store.PersistenceHealthy()

	status := "HEALTHY"
	if !canMaintain || !persistenceHealthy {
		status = "DEGRADED"
	}

	return HealthStatus{
		Status:                     status,
		TotalNodes:                 total,
		AliveNodes:                 alive,
		DeadNodes:                  total - alive,
		CanMaintainReplication:     canMaintain,
		MetadataPersistenceHealthy: persistenceHealthy,
	}
}

// Stats is the /stats response payload: a cheap point-in-time summary plus
// the most recent audit trail entries.
type Stats struct {
	TotalFiles        int           `json:"totalFiles"`
	AliveNodes        int           `json:"aliveNodes"`
	TotalNodes        int           `json:"totalNodes"`
	TotalHeartbeats   int64         `json:"totalHeartbeats"`
	TotalRepairAttempts int64       `json:"totalRepairAttempts"`
	TotalTrims        int64         `json:"totalTrims"`
	TotalTamperEvents int64         `json:"totalTamperEvents"`
	RecentAudits      []audit.Entry `json:"recentAudits"`
}

func (o *Orchestrator) Stats() Stats {
	alive, total := o.liveness.Counts()
	counts := o.auditLog.Counts()
	return Stats{
		TotalFiles:          len(o.store.List()),
		AliveNodes:          alive,
		TotalNodes:          total,
		TotalHeartbeats:     o.liveness.TotalHeartbeats(),
		TotalRepairAttempts: counts[audit.KindRepairStarted],
		TotalTrims:          counts[audit.KindTrimCompleted],
		TotalTamperEvents:   counts[audit.KindTamperDetected],
		RecentAudits:        o.auditLog.Tail(50),
	}
}

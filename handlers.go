package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
)

type appendEventRequest struct {
	EventId string           `json:"event_id"`
	Type    models.EventType `json:"type" binding:"required"`
	Payload json.RawMessage  `json:"payload" binding:"required"`
}

// appendEventHandler records one local action. The response carries the
// assigned seq and clock; the caller treats a 2xx as durably logged.
func (a *app) appendEventHandler(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "appendEvent")
	defer span.End()

	var req appendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := a.eventLog.AppendLocal(ctx, workflow.AppendInput{
		EventId:  req.EventId,
		StoreId:  a.storeId,
		DeviceId: a.deviceId,
		Type:     req.Type,
		Payload:  req.Payload,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"event_id":     ev.EventId,
		"seq":          ev.Seq,
		"vector_clock": ev.Clock,
	})
}

type relayEventRequest struct {
	EventId     string             `json:"event_id" binding:"required"`
	StoreId     string             `json:"store_id" binding:"required"`
	DeviceId    string             `json:"device_id" binding:"required"`
	Seq         int64              `json:"seq" binding:"required,gt=0"`
	Clock       models.VectorClock `json:"vector_clock" binding:"required"`
	Type        models.EventType   `json:"type" binding:"required"`
	Version     int                `json:"version"`
	CreatedAt   time.Time          `json:"created_at"`
	ActorUserId int                `json:"actor_user_id"`
	ActorRole   string             `json:"actor_role"`
	Payload     json.RawMessage    `json:"payload" binding:"required"`
}

// relayIngestHandler accepts one relayed event from a peer device. A
// sequence gap returns 409 with the seq we expect next so the sender can
// rewind its cursor; a replayed event_id is acknowledged without re-applying.
func (a *app) relayIngestHandler(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "relayIngest")
	defer span.End()

	var req relayEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	remote := &models.Event{
		EventId:     req.EventId,
		StoreId:     req.StoreId,
		DeviceId:    req.DeviceId,
		Seq:         req.Seq,
		Clock:       req.Clock,
		Type:        req.Type,
		Version:     req.Version,
		CreatedAt:   req.CreatedAt,
		ActorUserId: req.ActorUserId,
		ActorRole:   req.ActorRole,
		Payload:     req.Payload,
	}
	stored, duplicate, err := a.eventLog.IngestRemote(ctx, remote, a.deviceId)
	if err != nil {
		if errors.Is(err, utils.ErrSequenceGap) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "sequence_gap"})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	if !duplicate {
		if rerr := a.resolver.DetectAndResolve(ctx, stored); rerr != nil {
			// The event is durably stored; resolution is retried by ops, not
			// by making the sender re-deliver.
			config.LogError(a.logger, "main", "relayIngestHandler", "conflict resolution", stored.EventId, rerr)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"event_id":  stored.EventId,
		"seq":       stored.Seq,
		"duplicate": duplicate,
	})
}

// eventsSinceHandler streams the events a reconnecting peer has not seen
// yet, keyset-paginated by (after_device, after_seq). The peer passes its
// vector clock as a JSON object in the `clock` query param.
func (a *app) eventsSinceHandler(c *gin.Context) {
	var clock models.VectorClock
	if raw := strings.TrimSpace(c.Query("clock")); raw != "" {
		if err := utils.UnmarshalFromJSON([]byte(raw), &clock); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "clock must be a JSON object of device counters"})
			return
		}
	}
	storeId := strings.TrimSpace(c.Query("store_id"))
	if storeId == "" {
		storeId = a.storeId
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	afterSeq, _ := strconv.ParseInt(c.Query("after_seq"), 10, 64)

	events, err := models.EventsSince(c.Request.Context(), a.db, storeId, clock,
		strings.TrimSpace(c.Query("after_device")), afterSeq, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (a *app) reserveStockEscrowHandler(c *gin.Context) {
	var req workflow.EscrowReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	grant, err := a.escrow.GrantLocal(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, utils.ErrInsufficientEscrow) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "insufficient_stock"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (a *app) reserveFiscalRangeHandler(c *gin.Context) {
	var req workflow.RangeReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lease, err := a.fiscal.GrantLocal(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, lease)
}

// healthPushHandler stores a snapshot pushed by a device so the authority
// sees the whole fleet's replication health, not just its own.
func (a *app) healthPushHandler(c *gin.Context) {
	var snap models.FederationHealthSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(snap.StoreId) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store_id is required"})
		return
	}
	snap.ID = 0
	if snap.SnapshotAt.IsZero() {
		snap.SnapshotAt = time.Now().UTC()
	}
	if err := a.db.WithContext(c.Request.Context()).Create(&snap).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": snap.ID})
}

func (a *app) healthLatestHandler(c *gin.Context) {
	storeId := strings.TrimSpace(c.Query("store_id"))
	if storeId == "" {
		storeId = a.storeId
	}

	var cached models.FederationHealthSnapshot
	if found, err := a.redis.GetObject(c.Request.Context(), utils.HealthSnapshotCacheKey(storeId), &cached); err == nil && found {
		c.JSON(http.StatusOK, cached)
		return
	}

	snap, err := models.LatestHealthSnapshot(c.Request.Context(), a.db, storeId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no health snapshot recorded for store " + storeId})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// outboxReplayHandler requeues DEAD outbox rows after the operator fixed
// whatever killed them. Conflict-killed rows stay dead unless named
// explicitly, their loser events must not reach the projection.
func (a *app) outboxReplayHandler(c *gin.Context) {
	var req struct {
		EventIds []string `json:"event_ids"`
		Target   string   `json:"target"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q := a.db.WithContext(c.Request.Context()).
		Model(&models.OutboxEntry{}).
		Where("status = ?", models.OutboxStatusDead)
	if len(req.EventIds) > 0 {
		q = q.Where("event_id IN ?", req.EventIds)
	} else {
		q = q.Where("last_error IS NULL OR last_error NOT LIKE ?", "conflict:%")
	}
	if req.Target != "" {
		q = q.Where("target = ?", req.Target)
	}

	res := q.Updates(map[string]interface{}{
		"status":          models.OutboxStatusPending,
		"retry_count":     0,
		"last_error":      nil,
		"locked_at":       nil,
		"locked_by":       nil,
		"next_attempt_at": time.Now().UTC(),
	})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	a.logger.WithFields(logrus.Fields{"field": "outbox"}).
		Infof("replayed %d dead outbox entries", res.RowsAffected)
	c.JSON(http.StatusOK, gin.H{"replayed": res.RowsAffected})
}

// conflictResolveHandler settles one parked MANUAL_REVIEW_REQUIRED conflict.
func (a *app) conflictResolveHandler(c *gin.Context) {
	var req struct {
		AuditId       int    `json:"audit_id" binding:"required"`
		WinnerEventId string `json:"winner_event_id" binding:"required"`
		ResolvedBy    string `json:"resolved_by" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := a.resolver.ResolveManually(c.Request.Context(), req.AuditId, req.WinnerEventId, req.ResolvedBy)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

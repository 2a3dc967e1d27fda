package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"syncd/internal/middleware"
	"syncd/internal/model"
	"syncd/internal/store"
	"syncd/internal/wire"
)

// EntityHandler is the thin CRUD surface for one entity kind. Mutations go
// through the same versioned store as the websocket path, so they emit
// change events and fan out to connected devices all the same.
type EntityHandler struct {
	Store *store.Store
	Type  model.EntityType
	Log   zerolog.Logger
}

type createEntityBody struct {
	Payload []byte `json:"payload"`
}

type updateEntityBody struct {
	ExpectedVersion int64  `json:"expectedVersion"`
	Payload         []byte `json:"payload"`
}

func entityView(e model.Entity) gin.H {
	return gin.H{
		"id":           e.ID,
		"version":      e.Version,
		"payload":      e.Payload,
		"active":       e.Active,
		"lastActiveAt": e.LastActiveAt,
		"createdAt":    e.CreatedAt,
		"updatedAt":    e.UpdatedAt,
	}
}

func (h *EntityHandler) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": wire.CodeNotFound})
	case errors.Is(err, store.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": wire.CodeAuthorizationDenied})
	default:
		corrID := uuid.NewString()
		h.Log.Error().Str("correlation", corrID).Str("entity_type", string(h.Type)).Err(err).Msg("store failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": wire.CodeInternal, "correlationId": corrID})
	}
}

func (h *EntityHandler) Create(c *gin.Context) {
	accountID, ok := middleware.AccountIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": wire.CodeAuthenticationFailed})
		return
	}

	var body createEntityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": wire.CodeValidation})
		return
	}

	e, err := h.Store.Create(c.Request.Context(), h.Type, accountID, body.Payload, time.Now().UnixMilli())
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entityView(e))
}

func (h *EntityHandler) List(c *gin.Context) {
	accountID, ok := middleware.AccountIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": wire.CodeAuthenticationFailed})
		return
	}

	entities, err := h.Store.List(c.Request.Context(), h.Type, accountID)
	if err != nil {
		h.storeError(c, err)
		return
	}
	resp := make([]gin.H, 0, len(entities))
	for _, e := range entities {
		resp = append(resp, entityView(e))
	}
	c.JSON(http.StatusOK, gin.H{"entities": resp})
}

func (h *EntityHandler) Get(c *gin.Context) {
	accountID, ok := middleware.AccountIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": wire.CodeAuthenticationFailed})
		return
	}

	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": wire.CodeValidation})
		return
	}

	e, err := h.Store.Get(c.Request.Context(), h.Type, accountID, id)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entityView(e))
}

func (h *EntityHandler) Update(c *gin.Context) {
	accountID, ok := middleware.AccountIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": wire.CodeAuthenticationFailed})
		return
	}

	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": wire.CodeValidation})
		return
	}

	var body updateEntityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": wire.CodeValidation})
		return
	}

	res, err := h.Store.Write(c.Request.Context(), h.Type, accountID, id, body.ExpectedVersion, body.Payload, "", time.Now().UnixMilli())
	if err != nil {
		h.storeError(c, err)
		return
	}
	if res.Status == store.StatusVersionMismatch {
		c.JSON(http.StatusOK, gin.H{
			"success":        false,
			"error":          wire.CodeVersionMismatch,
			"currentVersion": res.CurrentVersion,
			"currentPayload": res.CurrentPayload,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "version": res.Version})
}

func (h *EntityHandler) Delete(c *gin.Context) {
	accountID, ok := middleware.AccountIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": wire.CodeAuthenticationFailed})
		return
	}

	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": wire.CodeValidation})
		return
	}

	if err := h.Store.Deactivate(c.Request.Context(), h.Type, accountID, id, time.Now().UnixMilli()); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

package http

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	apperrors "github.com/carabina/PeerConnectivity/pkg/errors"
	"github.com/carabina/PeerConnectivity/pkg/validation"
)

// PresenceHandler exposes the presence registry read-only.
type PresenceHandler struct {
	registry ports.PresenceRegistry
}

func NewPresenceHandler(registry ports.PresenceRegistry) *PresenceHandler {
	return &PresenceHandler{registry: registry}
}

// SetupRoutes mounts the presence endpoints behind middlewares, which is
// where authentication goes when it is enabled.
func (h *PresenceHandler) SetupRoutes(router gin.IRouter, middlewares ...gin.HandlerFunc) {
	api := router.Group("/api/v1", middlewares...)
	{
		api.GET("/services/:service/peers", h.ListPeers)
		api.GET("/peers/:id", h.LocatePeer)
	}
}

type peerView struct {
	ID          domain.PeerID     `json:"id"`
	DisplayName string            `json:"display_name"`
	Info        map[string]string `json:"info,omitempty"`
	Instance    string            `json:"instance"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (h *PresenceHandler) ListPeers(c *gin.Context) {
	serviceType := c.Param("service")
	if err := validation.ValidateServiceType(serviceType); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	presences, err := h.registry.ListByService(c.Request.Context(), serviceType)
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "presence registry unavailable", http.StatusServiceUnavailable))
		return
	}

	peers := make([]peerView, 0, len(presences))
	for _, p := range presences {
		peers = append(peers, peerView{
			ID:          p.Peer.ID,
			DisplayName: p.Peer.DisplayName,
			Info:        p.Info,
			Instance:    p.InstanceID,
			UpdatedAt:   p.UpdatedAt,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"service_type": serviceType,
		"peers":        peers,
		"count":        len(peers),
	})
}

func (h *PresenceHandler) LocatePeer(c *gin.Context) {
	peerID := c.Param("id")
	if err := validation.ValidatePeerID(peerID); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	instance, err := h.registry.Locate(c.Request.Context(), domain.PeerID(peerID))
	if err != nil {
		if errors.Is(err, domain.ErrPeerNotFound) {
			_ = c.Error(apperrors.NewPeerNotFoundError(peerID))
			return
		}
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "presence registry unavailable", http.StatusServiceUnavailable))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"peer_id":  peerID,
		"instance": instance,
	})
}

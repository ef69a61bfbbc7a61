package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/clipnet/internal/channels"
	"github.com/MarcoPoloResearchLab/clipnet/internal/clipboard"
	"github.com/MarcoPoloResearchLab/clipnet/internal/devices"
	"github.com/MarcoPoloResearchLab/clipnet/internal/gate"
	"github.com/MarcoPoloResearchLab/clipnet/internal/images"
	"github.com/MarcoPoloResearchLab/clipnet/internal/networks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	messageInvalidPayload = "Invalid payload"
	messageInternalError  = "Internal Server Error"
	messageNetworkFull    = "Network is full, try again later"
	messageInvalidNetwork = "Invalid network"
	messageInvalidImageID = "Invalid imageId"
	messageMissingImage   = "Missing image"
	messageImageTooLarge  = "Image too large"
	messagePublicIPFailed = "Failed to retrieve public IP address"
)

type realtimeAuthPayload struct {
	Device      *string `json:"device" form:"device"`
	SocketID    *string `json:"socket_id" form:"socket_id"`
	ChannelName *string `json:"channel_name" form:"channel_name"`
	NetworkID   string  `json:"network_id" form:"network_id"`
}

type realtimeAuthResponse struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

func (h *httpHandler) handleRealtimeAuth(c *gin.Context) {
	var payload realtimeAuthPayload
	if err := c.ShouldBind(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": messageInvalidPayload})
		return
	}

	decision, err := h.authorizer.Authorize(c.Request.Context(), gate.Request{
		Device:      payload.Device,
		SocketID:    payload.SocketID,
		ChannelName: payload.ChannelName,
		NetworkID:   strings.TrimSpace(payload.NetworkID),
		ClientIP:    c.ClientIP(),
	})
	if err != nil {
		var gateErr *gate.Error
		if errors.As(err, &gateErr) {
			c.JSON(gateErr.HTTPStatus(), gin.H{"error": gateErr.Message()})
			return
		}
		h.logger.Error("subscription authorization failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messageInternalError})
		return
	}

	c.JSON(http.StatusOK, realtimeAuthResponse{
		Auth:        decision.Grant.Token,
		ChannelData: decision.Grant.ChannelData,
	})
}

func (h *httpHandler) handleLocalNetwork(c *gin.Context) {
	networkID, err := networks.FromIP(c.ClientIP())
	if err != nil {
		h.logger.Warn("network derivation failed", zap.String("client_ip", c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messagePublicIPFailed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"networkID": networkID})
}

func (h *httpHandler) handleCreateNetwork(c *gin.Context) {
	networkID, err := networks.NewLinkID()
	if err != nil {
		h.logger.Error("link network generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messageInternalError})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"networkID": networkID})
}

type networkResponse struct {
	NetworkID  string       `json:"networkID"`
	AllDevices []string     `json:"allDevices"`
	DeviceType devices.Type `json:"deviceType"`
}

func (h *httpHandler) handleNetwork(c *gin.Context) {
	networkID := c.Param("network")
	if err := networks.ValidateID(networkID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": messageInvalidNetwork})
		return
	}

	roster, err := h.admission.Check(c.Request.Context(), networkID)
	switch {
	case errors.Is(err, networks.ErrCapacityExceeded):
		h.recordAdmission("full")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": messageNetworkFull})
		return
	case err != nil:
		h.recordAdmission("error")
		h.logger.Error("network roster query failed", zap.String("network_id", networkID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messageInternalError})
		return
	}

	h.recordAdmission("admitted")
	c.JSON(http.StatusOK, networkResponse{
		NetworkID:  networkID,
		AllDevices: roster,
		DeviceType: devices.ClassifyUserAgent(c.Request.UserAgent()),
	})
}

type triggerPayload struct {
	DeviceName string `form:"deviceName" json:"deviceName"`
	Channel    string `form:"channel" json:"channel"`
	FromName   string `form:"fromName" json:"fromName"`
	FromType   string `form:"fromType" json:"fromType"`
	Text       string `form:"text" json:"text"`
}

func (p triggerPayload) complete() bool {
	return p.DeviceName != "" && p.Channel != "" && p.FromName != "" && p.FromType != "" && p.Text != ""
}

func (h *httpHandler) handleTrigger(c *gin.Context) {
	networkID := c.Param("network")
	var payload triggerPayload
	if err := c.ShouldBind(&payload); err != nil || !payload.complete() ||
		payload.Channel != channels.PrivateChannelName(payload.DeviceName, networkID) {
		h.recordShare("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"clipboardError": messageInvalidPayload})
		return
	}

	event, err := json.Marshal(clipboard.ShareEvent{
		From: devices.Device{Name: payload.FromName, Type: devices.ParseType(payload.FromType)},
		Text: payload.Text,
	})
	if err == nil {
		err = h.publisher.Publish(c.Request.Context(), payload.Channel, clipboard.EventCopyToClipboard, event)
	}
	if err != nil {
		h.recordShare("error")
		h.logger.Error("share publish failed", zap.String("channel", payload.Channel), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"clipboardError": messageInternalError})
		return
	}

	h.recordShare("published")
	c.JSON(http.StatusOK, gin.H{"lastDeviceName": payload.DeviceName})
}

func (h *httpHandler) handleImageUpload(c *gin.Context) {
	limit := h.images.MaxBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": messageImageTooLarge})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": messageMissingImage})
		return
	}
	if file.Size > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": messageImageTooLarge})
		return
	}
	opened, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": messageMissingImage})
		return
	}
	defer opened.Close()
	data, err := io.ReadAll(io.LimitReader(opened, limit+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": messageMissingImage})
		return
	}

	imageID, err := h.images.Put(c.Request.Context(), data)
	switch {
	case errors.Is(err, images.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": messageImageTooLarge})
		return
	case errors.Is(err, images.ErrEmpty):
		c.JSON(http.StatusBadRequest, gin.H{"error": messageMissingImage})
		return
	case err != nil:
		h.logger.Error("image upload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messageInternalError})
		return
	}
	c.JSON(http.StatusOK, gin.H{"imageId": imageID})
}

func (h *httpHandler) handleImage(c *gin.Context) {
	data, err := h.images.Get(c.Request.Context(), c.Param("imageId"))
	switch {
	case errors.Is(err, images.ErrNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": messageInvalidImageID})
		return
	case err != nil:
		h.logger.Error("image lookup failed", zap.String("image_id", c.Param("imageId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messageInternalError})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (h *httpHandler) recordShare(outcome string) {
	if h.metrics != nil {
		h.metrics.ShareTriggered(outcome)
	}
}

func (h *httpHandler) recordAdmission(outcome string) {
	if h.metrics != nil {
		h.metrics.NetworkAdmission(outcome)
	}
}

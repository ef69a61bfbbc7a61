package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/clipnet/internal/gate"
	"github.com/MarcoPoloResearchLab/clipnet/internal/metrics"
	"github.com/MarcoPoloResearchLab/clipnet/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTriggerRate  = rate.Limit(5)
	defaultTriggerBurst = 10
)

var (
	errMissingAuthorizer = errors.New("subscription authorizer dependency required")
	errMissingAdmission  = errors.New("network admission dependency required")
	errMissingPublisher  = errors.New("realtime publisher dependency required")
	errMissingImages     = errors.New("image store dependency required")
)

// SubscriptionAuthorizer decides channel subscriptions.
type SubscriptionAuthorizer interface {
	Authorize(ctx context.Context, request gate.Request) (gate.Decision, error)
}

// NetworkAdmission reports the roster of a network that still has room.
type NetworkAdmission interface {
	Check(ctx context.Context, networkID string) ([]string, error)
}

// ImageStore keeps uploaded clipboard images.
type ImageStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
	MaxBytes() int64
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Authorizer     SubscriptionAuthorizer
	Admission      NetworkAdmission
	Publisher      realtime.Publisher
	Images         ImageStore
	Realtime       http.Handler
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	TriggerRate    rate.Limit
	TriggerBurst   int
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving every clipnet endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authorizer == nil {
		return nil, errMissingAuthorizer
	}
	if deps.Admission == nil {
		return nil, errMissingAdmission
	}
	if deps.Publisher == nil {
		return nil, errMissingPublisher
	}
	if deps.Images == nil {
		return nil, errMissingImages
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	triggerRate := deps.TriggerRate
	if triggerRate <= 0 {
		triggerRate = defaultTriggerRate
	}
	triggerBurst := deps.TriggerBurst
	if triggerBurst <= 0 {
		triggerBurst = defaultTriggerBurst
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLogMiddleware(logger, deps.Metrics))
	router.Use(securityHeadersMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		authorizer: deps.Authorizer,
		admission:  deps.Admission,
		publisher:  deps.Publisher,
		images:     deps.Images,
		metrics:    deps.Metrics,
		logger:     logger,
	}
	limiter := newClientLimiter(triggerRate, triggerBurst)

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.POST("/realtime/auth", handler.handleRealtimeAuth)
	api.GET("/networks/local", handler.handleLocalNetwork)
	api.POST("/networks", handler.handleCreateNetwork)
	api.GET("/networks/:network", handler.handleNetwork)
	api.POST("/networks/:network/clipboard", rateLimitMiddleware(limiter, deps.Metrics), handler.handleTrigger)
	api.POST("/images", handler.handleImageUpload)
	api.GET("/images/:imageId", handler.handleImage)

	if deps.Realtime != nil {
		router.GET("/realtime", gin.WrapH(deps.Realtime))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return router, nil
}

type httpHandler struct {
	authorizer SubscriptionAuthorizer
	admission  NetworkAdmission
	publisher  realtime.Publisher
	images     ImageStore
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

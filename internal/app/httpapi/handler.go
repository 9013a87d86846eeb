// Package httpapi is the operational surface of the core: operators inspect
// orders and campaigns and re-enqueue failed posts here. Buyer-facing flows
// live in the bot layer, not in this API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	app "github.com/openpromo/adboard/internal/app"
	"github.com/openpromo/adboard/internal/app/domain/campaign"
	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/metrics"
	"github.com/openpromo/adboard/internal/app/system"
	"github.com/openpromo/adboard/pkg/logger"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewRouter returns a gin engine exposing the operational REST API.
func NewRouter(application *app.Application) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	h := &handler{app: application}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.POST("/orders", h.createOrder)
	router.GET("/orders/:id", h.getOrder)
	router.POST("/orders/:id/cancel", h.cancelOrder)

	router.GET("/campaigns/:id", h.getCampaign)
	router.GET("/orders/:id/campaign", h.getOrderCampaign)

	router.POST("/posts/:id/requeue", h.requeuePost)

	return router
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "adboard-core",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) createOrder(c *gin.Context) {
	var payload struct {
		BuyerID         int64   `json:"buyer_id"`
		ChannelIDs      []int64 `json:"channel_ids"`
		ContentRef      string  `json:"content_ref"`
		DurationDays    int     `json:"duration_days"`
		DiscountPercent string  `json:"discount_percent"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	discount, err := parseOptionalDecimal(payload.DiscountPercent)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed discount_percent"})
		return
	}

	ord, err := h.app.Orders.CreateOrder(c.Request.Context(), payload.BuyerID, payload.ChannelIDs, payload.ContentRef, payload.DurationDays, discount)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, order.ErrTokenSpaceExhausted) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, orderResponse(ord))
}

func (h *handler) getOrder(c *gin.Context) {
	ord, err := h.app.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	resp := orderResponse(ord)
	if rec, err := h.app.Orders.PaymentRecord(c.Request.Context(), ord.ID); err == nil {
		resp["payment"] = gin.H{
			"expected_amount": rec.ExpectedAmount.String(),
			"received_amount": rec.ReceivedAmount.String(),
			"tx_reference":    rec.TxReference,
			"detected_at":     rec.DetectedAt,
			"confirmed_at":    rec.ConfirmedAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) cancelOrder(c *gin.Context) {
	ord, err := h.app.Orders.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, order.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, orderResponse(ord))
}

func (h *handler) getCampaign(c *gin.Context) {
	camp, err := h.app.Campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.renderCampaign(c, camp)
}

func (h *handler) getOrderCampaign(c *gin.Context) {
	camp, err := h.app.Campaigns.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.renderCampaign(c, camp)
}

func (h *handler) renderCampaign(c *gin.Context, camp campaign.Campaign) {
	posts, err := h.app.Campaigns.Posts(c.Request.Context(), camp.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	postViews := make([]gin.H, 0, len(posts))
	for _, post := range posts {
		view := gin.H{
			"id":             post.ID,
			"channel_id":     post.ChannelID,
			"scheduled_time": post.ScheduledTime,
			"status":         post.Status,
		}
		if !post.PublishedTime.IsZero() {
			view["published_time"] = post.PublishedTime
			view["message_ref"] = post.MessageRef
		}
		if post.Error != "" {
			view["error"] = post.Error
		}
		postViews = append(postViews, view)
	}

	c.JSON(http.StatusOK, gin.H{
		"id":            camp.ID,
		"order_id":      camp.OrderID,
		"buyer_id":      camp.BuyerID,
		"channel_ids":   camp.ChannelIDs,
		"content_ref":   camp.ContentRef,
		"total_posts":   camp.TotalPosts,
		"posts_per_day": camp.PostsPerDay,
		"status":        camp.Status,
		"posts":         postViews,
	})
}

func (h *handler) requeuePost(c *gin.Context) {
	post, err := h.app.Campaigns.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, campaign.ErrPostNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             post.ID,
		"status":         post.Status,
		"scheduled_time": post.ScheduledTime,
	})
}

func parseOptionalDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func orderResponse(ord order.Order) gin.H {
	resp := gin.H{
		"id":                 ord.ID,
		"buyer_id":           ord.BuyerID,
		"channel_ids":        ord.ChannelIDs,
		"content_ref":        ord.ContentRef,
		"duration_days":      ord.DurationDays,
		"bonus_days":         ord.BonusDays,
		"price":              ord.Price.String(),
		"discount_percent":   ord.DiscountPercent.String(),
		"memo_token":         ord.MemoToken,
		"settlement_address": ord.SettlementAddress,
		"status":             ord.Status,
		"created_at":         ord.CreatedAt,
		"expires_at":         ord.ExpiresAt,
	}
	if !ord.ConfirmedAt.IsZero() {
		resp["confirmed_at"] = ord.ConfirmedAt
	}
	return resp
}

// Server runs the operational API as a lifecycle-managed service.
type Server struct {
	srv *http.Server
	log *logger.Logger
}

var _ system.Service = (*Server)(nil)

// NewServer wraps the router in an HTTP server on addr.
func NewServer(addr string, router *gin.Engine, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

func (s *Server) Name() string { return "httpapi" }

func (s *Server) Start(ctx context.Context) error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server terminated")
		}
	}()
	s.log.WithField("addr", s.srv.Addr).Info("operational API listening")
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

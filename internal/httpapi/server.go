// Package httpapi serves payment provider webhooks and the health check.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/flow"
	"regionvpn-bot/internal/models"
	"regionvpn-bot/internal/payment"
	"regionvpn-bot/internal/utils"
)

type Confirmer interface {
	ConfirmInvoice(ctx context.Context, method models.PaymentMethod, invoiceID string) (flow.Delivery, bool, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, d flow.Delivery) error
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Options struct {
	// YooKassaAllowList restricts card notifications to the provider's
	// networks. Nil disables the check.
	YooKassaAllowList *utils.AllowList
	// TrustedProxies may set X-Forwarded-For. Empty means the peer address
	// is used as is.
	TrustedProxies []string
	CryptoBotToken string
	Checks         map[string]Check
}

type Server struct {
	router    *gin.Engine
	confirmer Confirmer
	deliverer Deliverer
	opts      Options
	logger    *zap.Logger
}

func NewServer(confirmer Confirmer, deliverer Deliverer, opts Options, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	if err := router.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, err
	}
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		router:    router,
		confirmer: confirmer,
		deliverer: deliverer,
		opts:      opts,
		logger:    logger,
	}

	router.GET("/healthz", s.handleHealth)
	hooks := router.Group("/webhooks")
	{
		hooks.POST("/yookassa", s.handleYooKassa)
		hooks.POST("/cryptobot", s.handleCryptoBot)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleYooKassa(c *gin.Context) {
	if s.opts.YooKassaAllowList != nil && !s.opts.YooKassaAllowList.Contains(c.ClientIP()) {
		s.logger.Warn("yookassa notification from unknown address", zap.String("ip", c.ClientIP()))
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	n, err := payment.ParseYooKassaNotification(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch n.Event {
	case payment.YooKassaEventSucceeded, payment.YooKassaEventCanceled:
		s.settle(c, models.MethodCard, n.Object.ID)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (s *Server) handleCryptoBot(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if !payment.VerifyCryptoBotSignature(s.opts.CryptoBotToken, body, c.GetHeader(payment.CryptoBotSignatureHeader)) {
		s.logger.Warn("cryptobot update with bad signature", zap.String("ip", c.ClientIP()))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	u, err := payment.ParseCryptoBotUpdate(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if u.UpdateType != payment.CryptoBotInvoicePaid {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	s.settle(c, models.MethodCrypto, strconv.FormatInt(u.Payload.InvoiceID, 10))
}

// settle confirms the invoice and tells the user. Unknown invoices are
// acknowledged so the provider stops redelivering; anything else that fails
// is answered with 500 to get a retry.
func (s *Server) settle(c *gin.Context, method models.PaymentMethod, invoiceID string) {
	log := s.logger.With(zap.String("method", string(method)), zap.String("invoice_id", invoiceID))
	ctx := c.Request.Context()

	d, notify, err := s.confirmer.ConfirmInvoice(ctx, method, invoiceID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Warn("notification for unknown invoice", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "unknown"})
		return
	}
	if err != nil {
		log.Error("failed to settle invoice", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry later"})
		return
	}

	if notify && s.deliverer != nil {
		if err := s.deliverer.Deliver(context.WithoutCancel(ctx), d); err != nil {
			log.Warn("failed to notify user", zap.Int64("telegram_id", d.TelegramID), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

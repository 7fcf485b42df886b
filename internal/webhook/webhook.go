// Package webhook exposes the push endpoints Gmail (via Pub/Sub) and Microsoft Graph deliver to.
package webhook

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers/outlook"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/reconcile"
)

const defaultMaxBody = 1 << 20

// Processor handles one delivery of notifications in order
type Processor interface {
	ProcessBatch(ctx context.Context, ns []mail.Notification) reconcile.BatchResult
}

// Verifier authenticates a push request; *auth.PushVerifier satisfies it
type Verifier interface {
	Verify(r *http.Request) (*auth.PushIdentity, error)
}

type Config struct {
	Processor Processor
	// Verifier is optional; nil accepts unauthenticated Gmail pushes
	Verifier          Verifier
	ClientStateSecret string
	MaxBody           int64
}

type handler struct {
	cfg Config
}

// NewRouter builds the webhook engine
func NewRouter(cfg Config) *gin.Engine {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	h := &handler{cfg: cfg}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/webhooks/gmail", h.gmail)
	r.POST("/webhooks/outlook", h.outlook)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("webhook request")
	}
}

func (h *handler) body(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return nil, false
	}
	return body, true
}

// respond maps a batch outcome to a status the push service understands.
// Only failures a redelivery could fix ask for one.
func respond(c *gin.Context, ok int, res reconcile.BatchResult) {
	if res.Retryable > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"processed": len(res.Results), "failed": res.Failed})
		return
	}
	c.JSON(ok, gin.H{"processed": len(res.Results), "failed": res.Failed})
}

func (h *handler) gmail(c *gin.Context) {
	if h.cfg.Verifier != nil {
		id, err := h.cfg.Verifier.Verify(c.Request)
		if err != nil {
			log.Warn().Err(err).Msg("rejected gmail push")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid push token"})
			return
		}
		log.Debug().Str("email", id.Email).Msg("gmail push verified")
	}

	body, ok := h.body(c)
	if !ok {
		return
	}
	n, err := reconcile.ParseGmailPush(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respond(c, http.StatusOK, h.cfg.Processor.ProcessBatch(c.Request.Context(), []mail.Notification{n}))
}

func (h *handler) outlook(c *gin.Context) {
	if token, ok := outlook.ValidationToken(c.Request); ok {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	body, ok := h.body(c)
	if !ok {
		return
	}
	ns, err := reconcile.ParseOutlookNotifications(body, h.cfg.ClientStateSecret)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respond(c, http.StatusAccepted, h.cfg.Processor.ProcessBatch(c.Request.Context(), ns))
}

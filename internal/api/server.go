// Package api exposes the outgoing mail pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/auth"
	"github.com/gotrs-io/gotrs-mail/internal/config"
	"github.com/gotrs-io/gotrs-mail/internal/domains"
	"github.com/gotrs-io/gotrs-mail/internal/metrics"
	"github.com/gotrs-io/gotrs-mail/internal/middleware"
	"github.com/gotrs-io/gotrs-mail/internal/models"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
)

// MailService is the part of the outgoing service the handlers call
type MailService interface {
	Create(ctx context.Context, caller outgoing.Caller, req outgoing.CreateRequest) (*models.OutgoingMail, error)
	Get(ctx context.Context, caller outgoing.Caller, id string) (*models.OutgoingMail, error)
	Save(ctx context.Context, caller outgoing.Caller, m *models.OutgoingMail) error
	Submit(ctx context.Context, caller outgoing.Caller, id string) (*models.OutgoingMail, error)
	RetryFailed(ctx context.Context, caller outgoing.Caller, id string) error
	RetryBounced(ctx context.Context, caller outgoing.Caller, id string) error
	Delete(ctx context.Context, caller outgoing.Caller, id string) error
	UpdateFolder(ctx context.Context, caller outgoing.Caller, id, folder string) (string, error)
	ReplyTo(ctx context.Context, caller outgoing.Caller, id string, all bool) (*models.OutgoingMail, error)
	TransferNow(ctx context.Context, id string, force bool) error
	ApplyDeliveryStatus(ctx context.Context, st *models.DeliveryStatus) error
}

type DomainService interface {
	Register(ctx context.Context, req domains.RegisterRequest) (*models.MailDomain, error)
	RefreshDNSRecords(ctx context.Context, name string) (*models.MailDomain, error)
	VerifyDNSRecords(ctx context.Context, name string) ([]string, error)
	SetEnabled(ctx context.Context, name string, enabled bool) (*models.MailDomain, error)
}

type MailboxLookup interface {
	DefaultMailbox(ctx context.Context, user string) (string, error)
}

type WebsocketHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, user string) error
}

// Pinger reports whether the database is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps wires the router. Hub, Domains and DB are optional.
type Deps struct {
	Mail      MailService
	Domains   DomainService
	Mailboxes MailboxLookup
	Hub       WebsocketHub
	DB        Pinger
	JWT       *auth.JWTManager
	PushToken string
	Server    config.ServerConfig
	Metrics   config.MetricsConfig
	Logger    *zap.Logger
}

// NewRouter builds the gin engine with every route registered
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	logger := d.Logger.Named("api")

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		ginzap.GinzapWithConfig(logger, &ginzap.Config{
			TimeFormat: time.RFC3339,
			UTC:        true,
			Context:    middleware.LogFields,
		}),
		ginzap.RecoveryWithZap(logger, true),
	)

	if d.Server.CORS.Enabled {
		engine.Use(cors.New(cors.Config{
			AllowOrigins: d.Server.CORS.Origins,
			AllowMethods: orDefault(d.Server.CORS.Methods, []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowHeaders: orDefault(d.Server.CORS.Headers, []string{"Origin", "Authorization", "Content-Type"}),
			MaxAge:       12 * time.Hour,
		}))
	}

	h := &handlers{
		mail:      d.Mail,
		domains:   d.Domains,
		mailboxes: d.Mailboxes,
		hub:       d.Hub,
		db:        d.DB,
		logger:    logger,
	}

	engine.GET("/health", h.health)
	if d.Metrics.Enabled {
		path := d.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		engine.GET(path, gin.WrapH(metrics.Handler()))
	}

	authMiddleware := middleware.NewAuthMiddleware(d.JWT)
	v1 := engine.Group("/api/v1")

	v1.POST("/delivery-status", middleware.RequirePushToken(d.PushToken), h.pushDeliveryStatus)

	protected := v1.Group("", authMiddleware.RequireAuth())
	{
		protected.POST("/mails", h.createMail)
		protected.GET("/mails/:id", h.getMail)
		protected.PUT("/mails/:id", h.saveDraft)
		protected.DELETE("/mails/:id", h.deleteMail)
		protected.POST("/mails/:id/submit", h.submitMail)
		protected.POST("/mails/:id/retry-failed", h.retryFailed)
		protected.POST("/mails/:id/retry-bounced", h.retryBounced)
		protected.POST("/mails/:id/transfer", h.transferMail)
		protected.PUT("/mails/:id/folder", h.updateFolder)
		protected.GET("/mails/:id/reply", h.replyTo)
		protected.GET("/mailboxes/default", h.defaultMailbox)

		if d.Hub != nil {
			protected.GET("/ws", h.websocket)
		}
	}

	if d.Domains != nil {
		admin := protected.Group("/domains", authMiddleware.RequireRole(auth.RoleSystemManager))
		admin.POST("", h.registerDomain)
		admin.POST("/:name/dns-records", h.refreshDNSRecords)
		admin.POST("/:name/verify", h.verifyDNSRecords)
		admin.PUT("/:name/enabled", h.setDomainEnabled)
	}

	return engine
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

// Server runs the HTTP listener until its context ends
type Server struct {
	http            *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

func NewServer(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		http: &http.Server{
			Addr:         cfg.GetServerAddr(),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		shutdownTimeout: timeout,
		logger:          logger.Named("server"),
	}
}

// Run serves until ctx is cancelled, then drains open requests
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

package api

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/yourorg/social-messaging/internal/config"
	"github.com/yourorg/social-messaging/internal/gateway"
	"github.com/yourorg/social-messaging/internal/messaging"
)

type Server struct {
	svc      *messaging.Service
	gw       *gateway.Gateway
	limits   config.LimitsCfg
	validate *validator.Validate
	log      *zap.SugaredLogger
}

// NewServer builds the fiber app: the REST fallback surface plus the
// websocket upgrade route.
func NewServer(cfg *config.Config, svc *messaging.Service, gw *gateway.Gateway, verifier TokenVerifier, limiter SenderLimiter, log *zap.SugaredLogger) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	s := &Server{
		svc:      svc,
		gw:       gw,
		limits:   cfg.Limits,
		validate: validator.New(),
		log:      log,
	}

	app.Use(fiberlogger.New())
	app.Use(NewIPRateLimiter(cfg.Limits.IPRatePerMinute, log).Handler())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "instance": gw.InstanceID})
	})

	// Websocket auth happens inside the gateway (token query param), so
	// the upgrade route sits outside the JWT middleware.
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(gw.Handle))

	api := app.Group("/v1/messaging", JWTAuthMiddleware(verifier))
	api.Get("/conversations", s.getConversations)
	api.Post("/conversations", s.createConversation)
	api.Get("/conversations/:conversationId/messages", s.getChatHistory)
	api.Get("/conversations/:conversationId/search", s.searchMessages)
	api.Post("/send", SenderRateLimit(limiter, cfg.Limits.RateLimitMax, cfg.Limits.RateWindow()), s.sendMessage)
	api.Post("/mark-read", s.markRead)
	api.Get("/can-message/:userId", s.canMessage)
	api.Get("/contacts", s.getContacts)
	api.Get("/unread-count", s.getUnreadCount)

	return app
}

// handlers/routes.go
package handlers

import (
	"snapmap/middleware"
	"snapmap/models"
	"snapmap/services"

	"github.com/gofiber/fiber/v2"
)

// Deps are the services the HTTP surface is built from
type Deps struct {
	Auth          middleware.InitDataConfig
	ServiceToken  string
	Users         *services.UserService
	Quests        *services.QuestService
	Feed          *services.FeedService
	Verifications *services.VerificationService
	Events        *services.EventStreamService
}

func SetupHealthRoutes(app *fiber.App) {
	app.Get("/api/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "UP", "message": "Snap Map API is running"})
	})
}

// secured prefixes h with launch data verification and user resolution.
// Middleware is attached per route: a prefix group would also catch
// /api/health and the SSE route.
func secured(d Deps, h ...fiber.Handler) []fiber.Handler {
	return append([]fiber.Handler{middleware.TelegramAuth(d.Auth), middleware.ResolveUser(d.Users)}, h...)
}

func SetupUserRoutes(app *fiber.App, d Deps) {
	// 🔐 launch data only, no user row needed
	app.Get("/api/me", middleware.TelegramAuth(d.Auth), d.Users.GetMe)

	app.Post("/api/user", secured(d, d.Users.UpsertCurrentUser)...)
	app.Get("/api/quests", secured(d, d.Quests.ListQuests)...)
	app.Get("/api/feed", secured(d, d.Feed.GetFeed)...)
}

func SetupUploadRoutes(app *fiber.App, d Deps) {
	// EventSource cannot send headers, so this one route takes initData from the query
	if d.Events != nil {
		app.Get("/api/uploads/verify/events",
			middleware.SSEInitData(d.Auth), middleware.ResolveUser(d.Users), d.Events.StreamVerificationEvents)
	}

	app.Post("/api/uploads/presign", secured(d, d.Verifications.Presign)...)
	app.Get("/api/uploads/status", secured(d, d.Verifications.ObjectStatus)...)
	app.Post("/api/uploads/verify", secured(d, d.Verifications.RequestVerification)...)
	app.Get("/api/uploads/verify/status", secured(d, d.Verifications.VerificationStatus)...)
	app.Get("/api/uploads/verify/result", secured(d, d.Verifications.VerificationResult)...)
}

func SetupAdminRoutes(app *fiber.App, d Deps) {
	admin := app.Group("/api/admin",
		middleware.TelegramAuth(d.Auth), middleware.ResolveUser(d.Users), middleware.RequireRole(models.RoleAdmin))

	admin.Get("/quests", d.Quests.AdminListQuests)
	admin.Get("/quests/:id", d.Quests.AdminGetQuest)
	admin.Post("/quests", d.Quests.AdminCreateQuest)
	admin.Patch("/quests/:id", d.Quests.AdminUpdateQuest)
	admin.Delete("/quests/:id", d.Quests.AdminDeleteQuest)
}

// SetupInternalRoutes exposes the worker-side status writer to workers that
// do not share this codebase.
func SetupInternalRoutes(app *fiber.App, d Deps) {
	internal := app.Group("/internal", middleware.ServiceToken(d.ServiceToken))
	internal.Post("/verifications/:taskId/status", d.Verifications.InternalUpdateStatus)
	internal.Put("/verifications/:taskId/result", d.Verifications.InternalSaveResult)
}

// SetupRoutes registers every route group
func SetupRoutes(app *fiber.App, d Deps) {
	SetupHealthRoutes(app)
	SetupUserRoutes(app, d)
	SetupUploadRoutes(app, d)
	SetupAdminRoutes(app, d)
	SetupInternalRoutes(app, d)
}

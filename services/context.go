package services

import (
	"snapmap/models"

	"github.com/gofiber/fiber/v2"
)

// fiber locals written by the auth middleware stages
const (
	LocalsInitData = "init_data"
	LocalsUser     = "user"
)

// InitData returns the verified launch data of the request, nil if absent
func InitData(c *fiber.Ctx) map[string]string {
	data, _ := c.Locals(LocalsInitData).(map[string]string)
	return data
}

// CurrentUser returns the resolved user of the request, nil if absent
func CurrentUser(c *fiber.Ctx) *models.User {
	u, _ := c.Locals(LocalsUser).(*models.User)
	return u
}

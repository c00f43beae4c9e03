package controller

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"fotopage_backend/internal/model"
	"fotopage_backend/pkg/database"
	"fotopage_backend/pkg/utils/jwt"
)

// RecordUpload counts one upload against the user's quota. The file itself
// is handled by the media service; only the usage counter lives here. The
// counter is reset by the billing reconciler on paid invoices.
func RecordUpload(c *fiber.Ctx) error {
	claims := c.Locals("user").(*jwt.Claims)

	if err := database.DB.Model(&model.User{}).
		Where("id = ?", claims.UserID).
		UpdateColumn("uploads_used", gorm.Expr("uploads_used + 1")).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not record upload",
		})
	}

	var user model.User
	if err := database.DB.First(&user, claims.UserID).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not fetch user",
		})
	}

	return c.JSON(user.Entitlement())
}

package middleware

import (
	"github.com/gofiber/fiber/v2"

	"fotopage_backend/internal/model"
	"fotopage_backend/pkg/database"
	"fotopage_backend/pkg/plan"
	"fotopage_backend/pkg/utils/jwt"
)

// CheckUploadQuota gates the upload path on the entitlement projection. A
// past_due account keeps its quota (grace period); only the counter matters
// here.
func CheckUploadQuota() fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := c.Locals("user").(*jwt.Claims)

		var user model.User
		if err := database.DB.First(&user, claims.UserID).Error; err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "User not found",
			})
		}

		if !user.CanUpload() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":         "You have reached your upload limit. Please upgrade your plan.",
				"uploads_used":  user.UploadsUsed,
				"uploads_limit": user.UploadsLimit,
			})
		}

		return c.Next()
	}
}

// RequireSupportTier gates endpoints reserved for higher support tiers.
func RequireSupportTier(catalog *plan.Catalog, minimum plan.SupportTier) fiber.Handler {
	rank := map[plan.SupportTier]int{
		plan.TierCommunity: 0,
		plan.TierEmail:     1,
		plan.TierPriority:  2,
	}

	return func(c *fiber.Ctx) error {
		claims := c.Locals("user").(*jwt.Claims)

		var user model.User
		if err := database.DB.First(&user, claims.UserID).Error; err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "User not found",
			})
		}

		def, err := catalog.Resolve(user.PlanID)
		if err != nil {
			def = catalog.Floor()
		}

		if rank[def.SupportTier] < rank[minimum] {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "This feature requires a higher subscription plan",
			})
		}

		return c.Next()
	}
}

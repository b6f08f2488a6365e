package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	tenantHeader = "X-Tenant-ID"

	// TenantLocal carries the resolved tenant id to handlers.
	TenantLocal = "tenant_id"

	serviceLocal     = "service"
	tokenTenantLocal = "token_tenant"
)

// ServiceAuth verifies the caller's HS256 service token. An empty secret disables
// the check, which is only meant for local development.
func ServiceAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := VerifyServiceToken(strings.TrimSpace(authz[len("Bearer "):]), []byte(secret), time.Now())
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			return fiber.NewError(http.StatusUnauthorized, "token has no subject")
		}
		c.Locals(serviceLocal, sub)
		if tenant, ok := claims["tenant"].(string); ok && tenant != "" {
			c.Locals(tokenTenantLocal, tenant)
		}
		return c.Next()
	}
}

// Tenant resolves the tenant from X-Tenant-ID. A token scoped to one tenant may
// omit the header but cannot act on another tenant.
func Tenant() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant := strings.TrimSpace(c.Get(tenantHeader))
		scoped, _ := c.Locals(tokenTenantLocal).(string)
		switch {
		case tenant == "" && scoped == "":
			return fiber.NewError(http.StatusBadRequest, "missing X-Tenant-ID header")
		case tenant == "":
			tenant = scoped
		case scoped != "" && scoped != tenant:
			return fiber.NewError(http.StatusForbidden, "token not valid for tenant")
		}
		c.Locals(TenantLocal, tenant)
		return c.Next()
	}
}

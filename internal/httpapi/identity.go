package httpapi

import "github.com/gin-gonic/gin"

const (
	clientIDHeader = "x-okc-client-id"
	clientIDCookie = "okc_client_id"
	defaultClientID = "default"
)

// resolveClientID implements SPEC_FULL.md §4.I's identity resolution order:
// explicit route/query param, the x-okc-client-id header, the okc_client_id
// cookie, the client_id query string, then the literal "default" — accepted,
// not rejected, per SPEC_FULL.md §9's Open Question resolution.
func resolveClientID(c *gin.Context) string {
	if v := c.Param("client_id"); v != "" {
		return v
	}
	if v := c.GetHeader(clientIDHeader); v != "" {
		return v
	}
	if v, err := c.Cookie(clientIDCookie); err == nil && v != "" {
		return v
	}
	if v := c.Query("client_id"); v != "" {
		return v
	}
	return defaultClientID
}

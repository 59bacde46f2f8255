package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the development server's routes. rt may be nil to serve
// the REST API alone.
func NewRouter(bp *BlueprintHandler, rt *RealtimeHandler) *gin.Engine {
	r := gin.Default()

	// identifiers may carry escaped dots and slashes
	r.UseRawPath = true
	r.UnescapePathValues = true

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	api := r.Group("/api")
	{
		bp.RegisterRoutes(api)
	}

	if rt != nil {
		rt.RegisterRoutes(r)
	}
	return r
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

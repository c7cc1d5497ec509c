package route

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mkrull/storekit/internal/api/controller"
	"github.com/mkrull/storekit/internal/api/middleware"
	"github.com/mkrull/storekit/internal/app"
)

// SetupRoutes registers the API on the given engine.
func SetupRoutes(r *gin.Engine, appCtx *app.App) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "UP",
		})
	})

	api := r.Group("/api")
	api.Use(middleware.RequestTimeout(appCtx.Config.Server.RequestTimeout))

	rc := controller.NewRecordsController(appCtx.Controller)
	api.GET("/records", rc.List)
	api.DELETE("/records", rc.DeleteAll)

	ic := controller.NewImportsController(appCtx.Store)
	api.POST("/imports/commits", ic.CreateCommits)
}

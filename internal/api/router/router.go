package router

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"

	"github.com/gidorah/image-processing-service-api/internal/api/handlers/image"
	"github.com/gidorah/image-processing-service-api/internal/api/handlers/transform"
	"github.com/gidorah/image-processing-service-api/internal/middleware"
)

func Setup(img *image.Handler, tr *transform.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	r.GET("/health", func(c *ginext.Context) {
		c.String(http.StatusOK, "ok")
	})

	api := r.Group("/api")

	api.POST("/upload", img.Upload)           // uploading a source image
	api.GET("/image/:id", img.Get)            // getting source bytes by id
	api.GET("/image/:id/meta", img.GetMeta)   // getting source metadata by id
	api.DELETE("/image/:id", img.Delete)      // deleting a source image by id
	api.POST("/transform", tr.Submit)         // submitting a transformation
	api.GET("/jobs/:id", tr.JobStatus)        // polling an async job
	api.POST("/jobs/:id/cancel", tr.Cancel)   // cancelling an async job
	api.GET("/artifacts/:id", tr.GetArtifact) // getting derived artifact bytes

	return r
}

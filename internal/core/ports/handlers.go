package ports

import (
	"github.com/gin-gonic/gin"
)

// RouteRegistrar is implemented by every HTTP handler group.
type RouteRegistrar interface {
	RegisterRoutes(r gin.IRouter)
}

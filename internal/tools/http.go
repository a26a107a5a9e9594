package tools

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the tool contract as JSON-over-HTTP routes. The
// response is always the tool envelope; HTTP status stays 200 so agents can
// rely on the envelope's success flag.
func RegisterRoutes(router gin.IRouter, endpoint *Endpoint) {
	router.GET("/api/v1/tools", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tools": endpoint.ToolNames()})
	})

	router.POST("/api/v1/tools/:name", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusOK, fail(CodeInvalidArgs, "failed to read request body"))
			return
		}
		result := endpoint.Call(c.Request.Context(), c.Param("name"), json.RawMessage(body))
		c.JSON(http.StatusOK, result)
	})
}

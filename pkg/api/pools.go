package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sentrill/sentrill/pkg/pool"
)

// handlePools returns health and metrics snapshots for every pool.
func (s *Server) handlePools(c *gin.Context) {
	out := gin.H{}
	for _, p := range s.pools {
		out[p.Name()] = gin.H{
			"health":  p.HealthStatus(c.Request.Context()),
			"metrics": p.Metrics(),
		}
	}
	c.JSON(http.StatusOK, out)
}

type setHealthRequest struct {
	Healthy *bool `json:"healthy" binding:"required"`
}

// handleSetInstanceHealth manually overrides one instance's
// availability, for admin tooling and incident response.
func (s *Server) handleSetInstanceHealth(c *gin.Context) {
	var req setHealthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	poolName := c.Param("pool")
	instanceID := c.Param("instance")
	for _, p := range s.pools {
		if p.Name() != poolName {
			continue
		}
		if err := p.SetInstanceHealth(instanceID, *req.Healthy); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, pool.ErrUnknownInstance) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"pool":     poolName,
			"instance": instanceID,
			"healthy":  *req.Healthy,
		})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown pool: " + poolName})
}

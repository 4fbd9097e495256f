package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/application/devices"
	"github.com/taskmesh/taskmesh/internal/application/engine"
	"github.com/taskmesh/taskmesh/pkg/domain/graph"
)

// GraphSubmitRequest represents a graph submission request
type GraphSubmitRequest struct {
	Graph       *graph.CanonicalGraph `json:"graph" binding:"required"`
	Assignments map[string]string     `json:"assignments,omitempty"`
	Strategy    string                `json:"strategy,omitempty"`
}

// GraphSubmitResponse represents a graph submission response
type GraphSubmitResponse struct {
	GraphID     string    `json:"graph_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	overall := "healthy"
	deviceCheck := "ok"
	status := http.StatusOK
	if s.health != nil && !s.health.IsHealthy() {
		overall = "degraded"
		deviceCheck = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":    overall,
		"timestamp": time.Now().UTC(),
		"checks": gin.H{
			"devices": deviceCheck,
		},
	})
}

// handleSubmitGraph handles graph submission
func (s *Server) handleSubmitGraph(c *gin.Context) {
	var req GraphSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	g, err := graph.FromCanonical(req.Graph)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_GRAPH",
				Message: err.Error(),
			},
		})
		return
	}

	graphID, err := s.service.Submit(c.Request.Context(), g, req.Assignments, devices.Strategy(req.Strategy))
	if err != nil {
		s.logger.Error("failed to submit graph", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{
				Code:    "SUBMISSION_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusCreated, GraphSubmitResponse{
		GraphID:     graphID,
		Status:      "submitted",
		SubmittedAt: time.Now().UTC(),
	})
}

// handleListGraphs handles listing graphs
func (s *Server) handleListGraphs(c *gin.Context) {
	runs := s.service.List()
	c.JSON(http.StatusOK, gin.H{
		"graphs": runs,
		"total":  len(runs),
	})
}

// handleGetGraph handles getting graph details
func (s *Server) handleGetGraph(c *gin.Context) {
	graphID := c.Param("id")

	info, report, err := s.service.GetStatus(graphID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Graph not found",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":   info,
		"nodes": report,
	})
}

// handleGetStatus handles getting graph status
func (s *Server) handleGetStatus(c *gin.Context) {
	graphID := c.Param("id")

	info, report, err := s.service.GetStatus(graphID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Graph not found",
			},
		})
		return
	}

	resp := gin.H{
		"graph_id":     info.GraphID,
		"status":       info.State,
		"submitted_at": info.SubmittedAt,
		"completed_at": info.CompletedAt,
	}
	if report != nil {
		resp["counts"] = report.Counts
		resp["ready"] = report.Ready
		resp["running"] = report.Running
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetResult handles getting graph result
func (s *Server) handleGetResult(c *gin.Context) {
	graphID := c.Param("id")

	result, err := s.service.GetResult(graphID)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrRunNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: ErrorDetail{
					Code:    "NOT_FOUND",
					Message: "Graph not found",
				},
			})
		case errors.Is(err, engine.ErrNotFinished):
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: ErrorDetail{
					Code:    "NOT_COMPLETED",
					Message: "Graph execution not yet completed",
				},
			})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: ErrorDetail{
					Code:    "EXECUTION_ERROR",
					Message: err.Error(),
				},
			})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleCancelGraph handles graph cancellation
func (s *Server) handleCancelGraph(c *gin.Context) {
	graphID := c.Param("id")

	if err := s.service.Cancel(graphID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, engine.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{
			Error: ErrorDetail{
				Code:    "CANCELLATION_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"graph_id":     graphID,
		"status":       "cancelling",
		"requested_at": time.Now().UTC(),
	})
}

// DeviceRegisterRequest represents a device registration request
type DeviceRegisterRequest struct {
	ID           string   `json:"id" binding:"required"`
	Name         string   `json:"name"`
	Endpoint     string   `json:"endpoint" binding:"required"`
	Capabilities []string `json:"capabilities"`
}

// handleRegisterDevice handles device registration
func (s *Server) handleRegisterDevice(c *gin.Context) {
	var req DeviceRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	err := s.devices.RegisterDevice(devices.Device{
		ID:           req.ID,
		Name:         req.Name,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{
				Code:    "REGISTRATION_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	if s.dialer != nil {
		s.dialer.RegisterEndpoint(req.ID, req.Endpoint)
	}

	c.JSON(http.StatusCreated, gin.H{
		"device_id": req.ID,
		"status":    "registered",
	})
}

// handleListDevices handles listing devices
func (s *Server) handleListDevices(c *gin.Context) {
	devs := s.devices.ListDevices()
	if c.Query("available") == "true" {
		devs = s.devices.GetAvailableDevices()
	}
	c.JSON(http.StatusOK, gin.H{
		"devices": devs,
		"total":   len(devs),
	})
}

// handleGetDevice handles getting a specific device
func (s *Server) handleGetDevice(c *gin.Context) {
	deviceID := c.Param("id")

	device, ok := s.devices.GetDevice(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "DEVICE_NOT_FOUND",
				Message: "Device not found",
			},
		})
		return
	}

	c.JSON(http.StatusOK, device)
}

// handleUnregisterDevice handles device removal
func (s *Server) handleUnregisterDevice(c *gin.Context) {
	deviceID := c.Param("id")

	if err := s.devices.UnregisterDevice(deviceID); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "DEVICE_NOT_FOUND",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"status":    "unregistered",
	})
}

// handleDeviceUtilization handles the device load view
func (s *Server) handleDeviceUtilization(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"utilization": s.devices.GetUtilization(),
		"timestamp":   time.Now().UTC(),
	})
}

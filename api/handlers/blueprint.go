// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/blueprints-rt/blueprints/internal/model"
	"github.com/blueprints-rt/blueprints/internal/repository"
)

const maxIdentifierLen = 100

// BlueprintHandler handles HTTP requests for blueprint management.
type BlueprintHandler struct {
	repo   *repository.BlueprintRepository
	policy *bluemonday.Policy
}

// NewBlueprintHandler creates a new BlueprintHandler.
func NewBlueprintHandler(repo *repository.BlueprintRepository) *BlueprintHandler {
	return &BlueprintHandler{
		repo:   repo,
		policy: bluemonday.StrictPolicy(),
	}
}

// CreateBlueprintRequest represents the request body for creating a blueprint.
type CreateBlueprintRequest struct {
	Author string        `json:"author" binding:"required,max=100"`
	Name   string        `json:"name" binding:"required,max=100"`
	Points []model.Point `json:"points"`
}

// SaveBlueprintRequest represents the request body for replacing points.
type SaveBlueprintRequest struct {
	Points []model.Point `json:"points" binding:"required"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ErrorResponse{Error: message})
}

// sendRepoError maps repository errors onto status codes.
func sendRepoError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, model.ErrBlueprintNotFound):
		sendError(c, http.StatusNotFound, "Blueprint not found")
	case errors.Is(err, model.ErrBlueprintExists):
		sendError(c, http.StatusConflict, "Blueprint already exists")
	default:
		log.Printf("Failed to %s blueprint: %v", action, err)
		sendError(c, http.StatusInternalServerError, "Failed to "+action+" blueprint")
	}
}

// checkIdentifier rejects blank identifiers and ones that carry markup.
func (h *BlueprintHandler) checkIdentifier(field, value string) string {
	if strings.TrimSpace(value) == "" {
		return field + " is required"
	}
	if len(value) > maxIdentifierLen {
		return field + " is too long"
	}
	if h.policy.Sanitize(value) != value {
		return field + " contains forbidden characters"
	}
	return ""
}

func (h *BlueprintHandler) pathIdentity(c *gin.Context) (string, string, bool) {
	author, name := c.Param("author"), c.Param("name")
	for _, check := range [][2]string{{"author", author}, {"name", name}} {
		if msg := h.checkIdentifier(check[0], check[1]); msg != "" {
			sendError(c, http.StatusBadRequest, msg)
			return "", "", false
		}
	}
	return author, name, true
}

// List handles GET /api/blueprints?author= - lists an author's blueprints.
func (h *BlueprintHandler) List(c *gin.Context) {
	author := c.Query("author")
	if msg := h.checkIdentifier("author", author); msg != "" {
		sendError(c, http.StatusBadRequest, msg)
		return
	}

	blueprints, err := h.repo.ListByAuthor(c.Request.Context(), author)
	if err != nil {
		sendRepoError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, blueprints)
}

// Create handles POST /api/blueprints - creates a blueprint.
func (h *BlueprintHandler) Create(c *gin.Context) {
	var req CreateBlueprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	for _, check := range [][2]string{{"author", req.Author}, {"name", req.Name}} {
		if msg := h.checkIdentifier(check[0], check[1]); msg != "" {
			sendError(c, http.StatusBadRequest, msg)
			return
		}
	}

	if err := model.ValidatePoints(req.Points); err != nil {
		sendError(c, http.StatusBadRequest, err.Error())
		return
	}

	bp := &model.Blueprint{Author: req.Author, Name: req.Name, Points: req.Points}
	if bp.Points == nil {
		bp.Points = []model.Point{}
	}
	if err := h.repo.Create(c.Request.Context(), bp); err != nil {
		sendRepoError(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, bp)
}

// Get handles GET /api/blueprints/:author/:name - returns one blueprint.
func (h *BlueprintHandler) Get(c *gin.Context) {
	author, name, ok := h.pathIdentity(c)
	if !ok {
		return
	}

	bp, err := h.repo.Get(c.Request.Context(), author, name)
	if err != nil {
		sendRepoError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, bp)
}

// Save handles PUT /api/blueprints/:author/:name - replaces the point sequence.
func (h *BlueprintHandler) Save(c *gin.Context) {
	author, name, ok := h.pathIdentity(c)
	if !ok {
		return
	}

	var req SaveBlueprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := model.ValidatePoints(req.Points); err != nil {
		sendError(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.ReplacePoints(c.Request.Context(), author, name, req.Points); err != nil {
		sendRepoError(c, "save", err)
		return
	}
	c.JSON(http.StatusOK, &model.Blueprint{Author: author, Name: name, Points: req.Points})
}

// Delete handles DELETE /api/blueprints/:author/:name - removes a blueprint.
func (h *BlueprintHandler) Delete(c *gin.Context) {
	author, name, ok := h.pathIdentity(c)
	if !ok {
		return
	}

	if err := h.repo.Delete(c.Request.Context(), author, name); err != nil {
		sendRepoError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the blueprint handler routes on a Gin router group.
func (h *BlueprintHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/blueprints", h.List)
	rg.POST("/blueprints", h.Create)
	rg.GET("/blueprints/:author/:name", h.Get)
	rg.PUT("/blueprints/:author/:name", h.Save)
	rg.DELETE("/blueprints/:author/:name", h.Delete)
}

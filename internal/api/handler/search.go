package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/vectorinfinity/internal/api/middleware"
	"github.com/timmy/vectorinfinity/internal/service"
)

// SearchHandler handles retrieval endpoints.
type SearchHandler struct {
	searchService *service.SearchService
}

// NewSearchHandler creates a new search handler.
// Parameters:
//   - searchService: search service instance.
// Returns:
//   - *SearchHandler: initialized handler.
func NewSearchHandler(searchService *service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// TextSearch handles POST /api/v1/search.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *SearchHandler) TextSearch(c *gin.Context) {
	var req service.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	h.search(c, &req)
}

// TextSearchGet handles GET /api/v1/search?q=&source=&top_k=.
func (h *SearchHandler) TextSearchGet(c *gin.Context) {
	req := service.SearchRequest{Query: c.Query("q"), Source: c.Query("source")}
	if req.Query == "" {
		badRequest(c, "Query parameter 'q' is required")
		return
	}
	if topK, err := strconv.Atoi(c.Query("top_k")); err == nil {
		req.TopK = topK
	}
	h.search(c, &req)
}

func (h *SearchHandler) search(c *gin.Context, req *service.SearchRequest) {
	result, err := h.searchService.Search(c.Request.Context(), middleware.AccountID(c), req)
	if err != nil {
		abortWithError(c, "Search failed: ", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

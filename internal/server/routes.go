package server

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/looplj/cacheproxy/internal/dispatch"
	"github.com/looplj/cacheproxy/internal/selector"
	"github.com/looplj/cacheproxy/internal/server/middleware"
	"github.com/looplj/cacheproxy/internal/upstream"
)

var errNoEndpointsConfigured = errors.New("no endpoints configured")

// SetupRoutes wires the chat-completion surface onto the gin engine, served
// under both the bare path and /v1 for OpenAI-client compatibility.
func SetupRoutes(server *Server, engine *dispatch.Engine, sel *selector.Selector) {
	server.Use(middleware.AccessLog())

	if server.Config.CORS.Enabled {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = server.Config.CORS.AllowedOrigins
		corsConfig.AllowMethods = server.Config.CORS.AllowedMethods
		corsConfig.AllowHeaders = server.Config.CORS.AllowedHeaders
		corsConfig.ExposeHeaders = server.Config.CORS.ExposedHeaders
		corsConfig.AllowCredentials = server.Config.CORS.AllowCredentials
		corsConfig.MaxAge = time.Duration(server.Config.CORS.MaxAge) * time.Second

		corsHandler := cors.New(corsConfig)
		server.Use(corsHandler)
		server.OPTIONS("*any", corsHandler)
	}

	h := &chatHandlers{engine: engine, selector: sel}

	server.GET("/health", h.health)

	timeoutGroup := server.Group("", middleware.WithTimeout(server.Config.LLMRequestTimeout))
	registerChatRoutes(timeoutGroup, h)

	v1Group := server.Group("/v1", middleware.WithTimeout(server.Config.LLMRequestTimeout))
	registerChatRoutes(v1Group, h)
}

func registerChatRoutes(g *gin.RouterGroup, h *chatHandlers) {
	g.POST("/chat/completions", h.chatCompletions)
	g.GET("/models", h.listModels)
	g.POST("/embeddings", h.embeddings)
}

type chatHandlers struct {
	engine   *dispatch.Engine
	selector *selector.Selector
}

func (h *chatHandlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *chatHandlers) chatCompletions(c *gin.Context) {
	var req upstream.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, err)
		return
	}

	resp, derr := h.engine.Handle(c.Request.Context(), &req, c.Request.Header)
	if derr != nil {
		middleware.AbortWithError(c, derr.HTTPStatus(), derr)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// listModels reports the distinct model names behind the configured
// endpoints; it does not reach upstream.
func (h *chatHandlers) listModels(c *gin.Context) {
	seen := make(map[string]struct{})

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	data := make([]modelEntry, 0)

	for _, e := range h.selector.Endpoints() {
		name := e.Name
		if name == "" {
			name = "default"
		}

		if _, ok := seen[name]; ok {
			continue
		}

		seen[name] = struct{}{}
		data = append(data, modelEntry{ID: name, Object: "model", OwnedBy: "cacheproxy"})
	}

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// embeddings is not backed by the cache; it reverse-proxies straight to a
// selected endpoint so embedding clients pointed at this proxy still work.
func (h *chatHandlers) embeddings(c *gin.Context) {
	if h.selector == nil {
		middleware.AbortWithError(c, http.StatusServiceUnavailable, errNoEndpointsConfigured)
		return
	}

	endpoint := h.selector.Pick()

	target, err := url.Parse(strings.TrimSuffix(endpoint.BaseURL, "/"))
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadGateway, err)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)

		req.URL.Path = "/v1/embeddings"
		req.Host = target.Host

		if endpoint.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
		}
	}

	proxy.ServeHTTP(c.Writer, c.Request)
}

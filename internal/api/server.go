package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nvkh/llmbridge/internal/canonical"
	"github.com/nvkh/llmbridge/internal/config"
	"github.com/nvkh/llmbridge/internal/dispatch"
	log "github.com/nvkh/llmbridge/internal/logging"
	"github.com/nvkh/llmbridge/internal/wire"
	"github.com/nvkh/llmbridge/internal/wire/anthropic"
	"github.com/nvkh/llmbridge/internal/wire/gemini"
	"github.com/nvkh/llmbridge/internal/wire/openai"
)

type Server struct {
	cfg    *config.Config
	client *dispatch.Client
	engine *gin.Engine
	srv    *http.Server
}

func NewServer(cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		cfg:    cfg,
		client: dispatch.NewClient(),
		engine: engine,
	}

	engine.Use(log.GinLogger())
	engine.Use(log.GinRecovery())
	engine.Use(corsMiddleware())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := engine.Group("/", authMiddleware(cfg.AuthToken))
	authed.POST("/v1/messages", s.handleAnthropic)
	authed.POST("/v1/chat/completions", s.handleOpenAI)
	authed.POST("/v1beta/models/:action", s.handleGemini)
	authed.POST("/v1/models/:action", s.handleGemini)

	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Infof("listening on %s", s.cfg.Listen)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleAnthropic(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		anthropicFrontend.abort(c, http.StatusBadRequest, "cannot read request body")
		return
	}
	req, err := anthropic.DecodeRequest(body)
	if err != nil {
		abortWithError(c, anthropicFrontend, err)
		return
	}
	s.bridge(c, anthropicFrontend, req)
}

func (s *Server) handleOpenAI(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		openaiFrontend.abort(c, http.StatusBadRequest, "cannot read request body")
		return
	}
	req, err := openai.DecodeRequest(body)
	if err != nil {
		abortWithError(c, openaiFrontend, err)
		return
	}
	s.bridge(c, openaiFrontend, req)
}

// handleGemini serves both :generateContent and :streamGenerateContent; the
// model name and the action share one path segment.
func (s *Server) handleGemini(c *gin.Context) {
	action := c.Param("action")
	model, verb, ok := strings.Cut(action, ":")
	if !ok {
		geminiFrontend.abort(c, http.StatusNotFound, "unknown method "+action)
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		geminiFrontend.abort(c, http.StatusBadRequest, "cannot read request body")
		return
	}
	req, err := gemini.DecodeRequest(model, body)
	if err != nil {
		abortWithError(c, geminiFrontend, err)
		return
	}
	fe := geminiFrontend
	switch verb {
	case "streamGenerateContent":
		req.Stream = true
		// Without alt=sse the stream is framed as one JSON array.
		if c.Query("alt") != "sse" {
			fe = geminiArrayFrontend
		}
	case "generateContent":
		req.Stream = false
	default:
		geminiFrontend.abort(c, http.StatusNotFound, "unknown method "+verb)
		return
	}
	s.bridge(c, fe, req)
}

// backendCodec picks the encoder pair for a backend's protocol.
func backendCodec(p config.Protocol) (
	encode func(req *canonical.Request, baseURL, apiKey string, caps canonical.Capabilities) (*wire.Request, error),
	newDecoder func() wire.ChunkDecoder,
) {
	switch p {
	case config.ProtocolAnthropic:
		return anthropic.EncodeRequest, func() wire.ChunkDecoder { return anthropic.NewChunkDecoder() }
	case config.ProtocolGemini:
		return gemini.EncodeRequest, func() wire.ChunkDecoder { return gemini.NewChunkDecoder() }
	default:
		return openai.EncodeRequest, func() wire.ChunkDecoder { return openai.NewChunkDecoder() }
	}
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nvkh/llmbridge/internal/canonical"
	"github.com/nvkh/llmbridge/internal/wire"
	"github.com/nvkh/llmbridge/internal/wire/anthropic"
	"github.com/nvkh/llmbridge/internal/wire/gemini"
	"github.com/nvkh/llmbridge/internal/wire/openai"
)

// frontend is the client-facing half of a bridge: how to frame stream
// events, final responses and errors in the protocol the client speaks.
// An empty streamContentType means SSE.
type frontend struct {
	name              string
	streamContentType string
	newEncoder        func(id, model string) wire.StreamEncoder
	encodeResponse    func(*canonical.Response) ([]byte, error)
	errorBody         func(status int, msg string) any
}

func (f frontend) abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, f.errorBody(status, msg))
}

var anthropicFrontend = frontend{
	name: "anthropic",
	newEncoder: func(id, model string) wire.StreamEncoder {
		return anthropic.NewStreamEncoder(id, model)
	},
	encodeResponse: anthropic.EncodeResponse,
	errorBody: func(status int, msg string) any {
		errType := "invalid_request_error"
		if status >= 500 {
			errType = "api_error"
		}
		return gin.H{"type": "error", "error": gin.H{"type": errType, "message": msg}}
	},
}

var openaiFrontend = frontend{
	name: "openai",
	newEncoder: func(id, model string) wire.StreamEncoder {
		return openai.NewStreamEncoder(id, model)
	},
	encodeResponse: openai.EncodeResponse,
	errorBody: func(status int, msg string) any {
		errType := "invalid_request_error"
		if status >= 500 {
			errType = "upstream_error"
		}
		return gin.H{"error": gin.H{"type": errType, "message": msg, "code": nil}}
	},
}

var geminiFrontend = frontend{
	name: "gemini",
	newEncoder: func(id, model string) wire.StreamEncoder {
		return gemini.NewStreamEncoder(id, model)
	},
	encodeResponse: gemini.EncodeResponse,
	errorBody:      geminiErrorBody,
}

// geminiArrayFrontend serves streamGenerateContent without alt=sse, where
// the stream is one JSON array instead of SSE records.
var geminiArrayFrontend = frontend{
	name:              "gemini",
	streamContentType: "application/json; charset=utf-8",
	newEncoder: func(id, model string) wire.StreamEncoder {
		return gemini.NewArrayStreamEncoder(id, model)
	},
	encodeResponse: gemini.EncodeResponse,
	errorBody:      geminiErrorBody,
}

func geminiErrorBody(status int, msg string) any {
	code := "INVALID_ARGUMENT"
	if status >= 500 {
		code = "UNAVAILABLE"
	}
	return gin.H{"error": gin.H{"code": status, "message": msg, "status": code}}
}

// abortWithError maps the canonical error taxonomy to an HTTP status in the
// client's error shape.
func abortWithError(c *gin.Context, fe frontend, err error) {
	switch {
	case errors.Is(err, canonical.ErrInvalidRequest),
		errors.Is(err, canonical.ErrUnsupportedCapability):
		fe.abort(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, canonical.ErrBackendTransport):
		fe.abort(c, http.StatusBadGateway, err.Error())
	default:
		fe.abort(c, http.StatusInternalServerError, err.Error())
	}
}

package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nvkh/llmbridge/internal/canonical"
	"github.com/nvkh/llmbridge/internal/dispatch"
	log "github.com/nvkh/llmbridge/internal/logging"
	"github.com/nvkh/llmbridge/internal/reconcile"
	"github.com/nvkh/llmbridge/internal/streamutil"
	"github.com/nvkh/llmbridge/internal/wire"
)

const readBufferSize = 4096

// bridge runs one request end to end: resolve the backend, encode the
// canonical request for it, open the stream and reconcile its events back
// into the client's protocol.
func (s *Server) bridge(c *gin.Context, fe frontend, req *canonical.Request) {
	id := "msg_" + uuid.NewString()

	name, backend, ok := s.cfg.BackendFor(req.Model)
	if !ok {
		fe.abort(c, http.StatusNotFound, "no backend serves model "+req.Model)
		return
	}

	encode, newDecoder := backendCodec(backend.Protocol)
	wreq, err := encode(req, backend.BaseURL, backend.APIKey, backend.Capabilities())
	if err != nil {
		abortWithError(c, fe, err)
		return
	}

	stream, err := s.client.Open(c.Request.Context(), name, wreq)
	if err != nil {
		abortWithError(c, fe, err)
		return
	}

	maxThinking, maxBlocks := s.cfg.SessionLimits()
	session := reconcile.NewSession(id, reconcile.Limits{
		MaxThinkingBytes: maxThinking,
		MaxBlocks:        maxBlocks,
	})
	decoder := newDecoder()

	if req.Stream {
		s.bridgeStream(c, fe, req, id, name, stream, session, decoder)
		return
	}
	s.bridgeCollect(c, fe, req, id, stream, session, decoder)
}

// bridgeStream pumps the backend stream through the reconciler and writes
// client frames as they become available.
func (s *Server) bridgeStream(c *gin.Context, fe frontend, req *canonical.Request, id, backendName string,
	stream *dispatch.Stream, session *reconcile.Session, decoder wire.ChunkDecoder) {

	enc := fe.newEncoder(id, req.Model)
	pipeline := streamutil.NewPipeline(c.Request.Context(), 128, func(success bool, elapsed time.Duration) {
		stream.Finish(success)
		log.Debugf("bridge %s: %s/%s stream done success=%v in %s", id, fe.name, backendName, success, elapsed.Round(time.Millisecond))
	})

	emit := func(events []canonical.BackendEvent) error {
		for _, bev := range events {
			for _, sev := range session.Push(bev) {
				frame, err := enc.Encode(sev)
				if err != nil {
					return err
				}
				if !pipeline.SendData(frame) {
					return pipeline.Context().Err()
				}
			}
			if session.Finished() {
				return nil
			}
		}
		return nil
	}
	send := func(events []canonical.StreamEvent) {
		for _, sev := range events {
			frame, err := enc.Encode(sev)
			if err != nil {
				log.WithError(err).Errorf("bridge %s: encode failed", id)
				return
			}
			if !pipeline.SendData(frame) {
				return
			}
		}
	}

	pipeline.Go(func(_ context.Context) error {
		defer stream.Close()
		buf := make([]byte, readBufferSize)
		for {
			n, rerr := stream.Read(buf)
			if n > 0 {
				if err := emit(decoder.Feed(buf[:n])); err != nil {
					return err
				}
				if session.Finished() {
					// Terminal event already emitted (backend finish or a
					// safety limit). The backend did its part either way.
					return nil
				}
			}
			if rerr == io.EOF {
				if err := emit(decoder.Finish()); err != nil {
					return err
				}
				if !session.Finished() {
					send(session.End())
				}
				return nil
			}
			if rerr != nil {
				if !session.Finished() {
					send(session.Fail(fmt.Errorf("%w: %v", canonical.ErrBackendTransport, rerr)))
				}
				return rerr
			}
		}
	})
	pipeline.Start()

	contentType := fe.streamContentType
	if contentType == "" {
		contentType = "text/event-stream; charset=utf-8"
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		frame, ok := <-pipeline.Output()
		if !ok {
			return false
		}
		if frame.Err != nil {
			log.WithError(frame.Err).Warnf("bridge %s: stream error frame", id)
			return true
		}
		_, _ = w.Write(frame.Data)
		return true
	})
}

// bridgeCollect drains the backend stream into a single response. The same
// reconciled event sequence drives both paths, so a non-streaming client
// sees exactly the content a streaming client would have.
func (s *Server) bridgeCollect(c *gin.Context, fe frontend, req *canonical.Request, id string,
	stream *dispatch.Stream, session *reconcile.Session, decoder wire.ChunkDecoder) {

	defer stream.Close()
	builder := canonical.NewResponseBuilder(id, req.Model)
	collect := func(events []canonical.BackendEvent) {
		for _, bev := range events {
			for _, sev := range session.Push(bev) {
				builder.Add(sev)
			}
			if session.Finished() {
				return
			}
		}
	}

	var transportErr error
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := stream.Read(buf)
		if n > 0 {
			collect(decoder.Feed(buf[:n]))
			if session.Finished() {
				break
			}
		}
		if rerr == io.EOF {
			collect(decoder.Finish())
			if !session.Finished() {
				for _, sev := range session.End() {
					builder.Add(sev)
				}
			}
			break
		}
		if rerr != nil {
			transportErr = fmt.Errorf("%w: %v", canonical.ErrBackendTransport, rerr)
			for _, sev := range session.Fail(transportErr) {
				builder.Add(sev)
			}
			break
		}
	}
	stream.Finish(transportErr == nil)

	resp := builder.Response()
	if transportErr != nil && !hasContent(resp) {
		abortWithError(c, fe, transportErr)
		return
	}
	data, err := fe.encodeResponse(resp)
	if err != nil {
		fe.abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// hasContent reports whether any block carries actual payload; the
// synthesized empty text block does not count.
func hasContent(resp *canonical.Response) bool {
	for _, p := range resp.Message.Content {
		switch p.Type {
		case canonical.ContentTypeText:
			if p.Text != "" {
				return true
			}
		case canonical.ContentTypeThinking:
			if p.Thinking != "" {
				return true
			}
		case canonical.ContentTypeToolUse:
			return true
		}
	}
	return false
}

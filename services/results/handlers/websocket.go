// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ddalab/ddalab/services/results/worker"
)

// WSEnvelope is one client message. Type selects the request; the rest of
// the fields apply per type. Payloads travel base64-encoded because the
// envelope is JSON.
type WSEnvelope struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	AnalysisID string   `json:"analysis_id,omitempty"`
	VariantID  string   `json:"variant_id,omitempty"`
	Channels   []string `json:"channels,omitempty"`
	Base64Data string   `json:"base64data,omitempty"`
}

func (h *Handlers) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  10 * 1024 * 1024,
		WriteBufferSize: 10 * 1024 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
				return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
			}
			for _, allowed := range h.cfg.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

func sendJSON(ws *websocket.Conn, logger *slog.Logger, v any) error {
	err := ws.WriteJSON(v)
	if err != nil {
		logger.Warn("websocket write failed", slog.String("error", err.Error()))
	}
	return err
}

func wsError(ws *websocket.Conn, logger *slog.Logger, id, code, msg string) error {
	return sendJSON(ws, logger, worker.ErrorResponse{ID: id, Code: code, Message: msg})
}

// handleWebsocket runs the correlated request/response protocol over one
// websocket connection. Each envelope maps to a worker request; responses
// carry the envelope's id back so the client pairs them itself.
func (h *Handlers) handleWebsocket(c *gin.Context) {
	if h.worker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker unavailable"})
		return
	}

	up := h.upgrader()
	ws, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	sessionID := uuid.NewString()
	logger := h.logger.With(slog.String("session_id", sessionID))
	logger.Info("websocket client connected")

	if err := sendJSON(ws, logger, gin.H{"type": "session_created", "session_id": sessionID}); err != nil {
		return
	}

	var limiter *rate.Limiter
	if h.cfg.RateLimit > 0 {
		burst := h.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), burst)
	}

	ctx := c.Request.Context()
	for {
		var env WSEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			logger.Info("websocket client disconnected", slog.String("reason", err.Error()))
			return
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		if env.ID == "" {
			env.ID = worker.NewCorrelationID()
		}

		var req worker.Request
		switch env.Type {
		case "decode":
			payload, err := base64.StdEncoding.DecodeString(env.Base64Data)
			if err != nil {
				if wsError(ws, logger, env.ID, worker.CodeDecodeFailed, "invalid base64 payload") != nil {
					return
				}
				continue
			}
			req = worker.DecodeRequest{ID: env.ID, AnalysisID: env.AnalysisID, Payload: payload}

		case "get_data":
			req = worker.GetDataRequest{
				ID:         env.ID,
				AnalysisID: env.AnalysisID,
				VariantID:  env.VariantID,
				Channels:   env.Channels,
			}

		case "clear_cache":
			req = worker.ClearCacheRequest{ID: env.ID, AnalysisID: env.AnalysisID}

		default:
			if wsError(ws, logger, env.ID, worker.CodeUnsupported, "unknown message type: "+env.Type) != nil {
				return
			}
			continue
		}

		resp, err := h.worker.Do(ctx, req)
		if err != nil {
			code := "rejected"
			if errors.Is(err, worker.ErrWorkerClosed) {
				code = worker.CodeShuttingDown
			}
			if wsError(ws, logger, env.ID, code, err.Error()) != nil {
				return
			}
			continue
		}

		if sendJSON(ws, logger, wsWrap(env.Type, resp)) != nil {
			return
		}
	}
}

// wsWrap tags a worker response with a websocket message type so clients
// can dispatch without sniffing fields.
func wsWrap(reqType string, resp worker.Response) any {
	switch r := resp.(type) {
	case worker.MetadataResponse:
		return struct {
			Type string `json:"type"`
			worker.MetadataResponse
		}{"metadata", r}
	case worker.DataResponse:
		return struct {
			Type string `json:"type"`
			worker.DataResponse
		}{"data", r}
	case worker.CacheClearedResponse:
		return struct {
			Type string `json:"type"`
			worker.CacheClearedResponse
		}{"cache_cleared", r}
	case worker.ErrorResponse:
		return struct {
			Type string `json:"type"`
			worker.ErrorResponse
		}{"error", r}
	default:
		return struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}{reqType, resp.CorrelationID()}
	}
}

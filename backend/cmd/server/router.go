package main

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"voice-bridge/backend/internal/bridge"
	"voice-bridge/backend/internal/constants"
	"voice-bridge/backend/internal/fallback"
	"voice-bridge/backend/internal/graph"
	"voice-bridge/backend/pkg/errors"
)

// maxTurnAudioBytes bounds an uploaded fallback utterance
const maxTurnAudioBytes = 10 << 20

// bridgeAPI is the part of the bridge orchestrator the HTTP API uses
type bridgeAPI interface {
	List() []bridge.Snapshot
	Snapshot(callID string) (bridge.Snapshot, bool)
	InjectUserMessage(callID, text string) error
	CloseBridge(ctx context.Context, callID, reason string) bool
	ActiveBridges() int
}

// fallbackAPI is the part of the fallback manager the HTTP API uses
type fallbackAPI interface {
	ProcessTurn(ctx context.Context, req fallback.TurnRequest) (*fallback.TurnResult, error)
	EndCall(ctx context.Context, callID string) error
	Greeting(ctx context.Context, tenantID string) (string, []byte, error)
}

// callAPI reads persisted call records
type callAPI interface {
	GetCallRecord(ctx context.Context, callID string) (*graph.CallRecord, error)
}

// routerDeps collects everything the router serves
type routerDeps struct {
	bridges     bridgeAPI
	fallback    fallbackAPI
	calls       callAPI
	mediaStream http.Handler
	mediaPath   string
	gatherer    prometheus.Gatherer
	log         *zap.Logger
}

// newRouter builds the gin engine with middleware and all routes
func newRouter(deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(ginLogger(deps.log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"active_bridges": deps.bridges.ActiveBridges(),
		})
	})

	if deps.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.gatherer, promhttp.HandlerOpts{})))
	}

	// Telephony media stream (WebSocket)
	if deps.mediaStream != nil {
		router.GET(deps.mediaPath, gin.WrapH(deps.mediaStream))
	}

	api := router.Group("/api")
	{
		// List live bridges
		api.GET("/bridges", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"bridges": deps.bridges.List()})
		})

		// Inspect one bridge
		api.GET("/bridges/:callSid", func(c *gin.Context) {
			snap, ok := deps.bridges.Snapshot(c.Param("callSid"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "Bridge not found"})
				return
			}
			c.JSON(http.StatusOK, snap)
		})

		// Inject text into a live conversation
		api.POST("/bridges/:callSid/message", func(c *gin.Context) {
			var req struct {
				Text string `json:"text" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			callID := c.Param("callSid")
			if err := deps.bridges.InjectUserMessage(callID, req.Text); err != nil {
				status := errorStatus(err)
				if status == http.StatusInternalServerError {
					deps.log.Error("Failed to inject message", zap.String("call_sid", callID), zap.Error(err))
				}
				c.JSON(status, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "sent"})
		})

		// Operator hang-up
		api.DELETE("/bridges/:callSid", func(c *gin.Context) {
			if !deps.bridges.CloseBridge(c.Request.Context(), c.Param("callSid"), constants.CloseReasonOperator) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Bridge not found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "closed"})
		})

		// Persisted record of a finished or running call
		if deps.calls != nil {
			api.GET("/calls/:callSid", func(c *gin.Context) {
				callID := c.Param("callSid")
				record, err := deps.calls.GetCallRecord(c.Request.Context(), callID)
				if err != nil {
					status := errorStatus(err)
					if status == http.StatusInternalServerError {
						deps.log.Error("Failed to load call record", zap.String("call_sid", callID), zap.Error(err))
					}
					c.JSON(status, gin.H{"error": err.Error()})
					return
				}
				c.JSON(http.StatusOK, record)
			})
		}

		voice := api.Group("/voice")

		// One turn of the turn-based pipeline
		voice.POST("/turn", func(c *gin.Context) {
			callID := c.PostForm("call_sid")
			if callID == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "call_sid is required"})
				return
			}

			fileHeader, err := c.FormFile("audio")
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "audio file is required"})
				return
			}
			if fileHeader.Size > maxTurnAudioBytes {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio file too large"})
				return
			}
			file, err := fileHeader.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			defer file.Close()
			audio, err := io.ReadAll(io.LimitReader(file, maxTurnAudioBytes))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			result, err := deps.fallback.ProcessTurn(c.Request.Context(), fallback.TurnRequest{
				CallID:   callID,
				TenantID: c.PostForm("tenant_id"),
				Language: c.PostForm("language"),
				Audio:    audio,
				Filename: fileHeader.Filename,
			})
			if err != nil {
				c.JSON(errorStatus(err), gin.H{"error": err.Error()})
				return
			}

			c.JSON(http.StatusOK, gin.H{
				"turn_id":       result.TurnID,
				"text":          result.Text,
				"transcription": result.Transcription,
				"outcome":       result.Outcome,
				"no_speech":     result.NoSpeech(),
				"tool_calls":    result.ToolCalls,
				"audio_base64":  encodeAudio(result.Audio),
			})
		})

		// End a turn-based call and persist its transcript
		voice.POST("/:callSid/end", func(c *gin.Context) {
			callID := c.Param("callSid")
			if err := deps.fallback.EndCall(c.Request.Context(), callID); err != nil {
				status := errorStatus(err)
				if status == http.StatusInternalServerError {
					deps.log.Error("Failed to end call", zap.String("call_sid", callID), zap.Error(err))
				}
				c.JSON(status, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ended"})
		})

		// Greeting audio for a tenant
		voice.GET("/greeting/:tenantId", func(c *gin.Context) {
			text, audio, err := deps.fallback.Greeting(c.Request.Context(), c.Param("tenantId"))
			if err != nil {
				deps.log.Warn("Greeting synthesis failed", zap.String("tenant_id", c.Param("tenantId")), zap.Error(err))
			}
			c.JSON(http.StatusOK, gin.H{
				"text":         text,
				"audio_base64": encodeAudio(audio),
			})
		})
	}

	return router
}

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) int {
	var (
		notFound   *errors.ErrBridgeNotFound
		inProgress *errors.ErrTurnInProgress
	)
	switch {
	case stderrors.As(err, &notFound), stderrors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case stderrors.As(err, &inProgress):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrEngineNotReady):
		return http.StatusServiceUnavailable
	case errors.IsErrorType(err, errors.ErrorTypeFallback):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func encodeAudio(audio []byte) interface{} {
	if len(audio) == 0 {
		return nil
	}
	return base64.StdEncoding.EncodeToString(audio)
}

// corsMiddleware allows the operator dashboard to call the API
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		// The media stream lives for the whole call; log it at debug
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			log.Debug("WebSocket closed",
				zap.String("path", path),
				zap.Duration("duration", latency),
				zap.String("ip", c.ClientIP()),
			)
			return
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}

package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/util"
)

// NewRouter mounts the relay's endpoints:
//
//	GET /ws        websocket upgrade into the relay
//	GET /health    liveness plus the number of registered clients
//	GET /api/turn  the ICE server browsers should use, as an RTCIceServer
func NewRouter(relay *Relay, iceServers []webrtc.ICEServer) *gin.Engine {
	if !util.DebugEnabled() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/ws", func(c *gin.Context) {
		relay.ServeWS(c.Writer, c.Request)
	})

	router.GET("/health", func(c *gin.Context) {
		ids, err := relay.Identities(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": len(ids)})
	})

	api := router.Group("/api")
	{
		api.GET("/turn", func(c *gin.Context) {
			if len(iceServers) == 0 {
				c.JSON(http.StatusOK, gin.H{"urls": ""})
				return
			}
			c.JSON(http.StatusOK, iceServers[0])
		})
	}

	return router
}

// requestLogger logs each request at debug level through the shared logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		util.LogDebug("%s %s %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts the
// server down gracefully. ready, if non-nil, receives the bound address.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, ready chan<- net.Addr) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if ready != nil {
		ready <- listener.Addr()
	}

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"openai-proxy/core"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 会话鉴权在路由中间件里完成，同源即可
	CheckOrigin: func(r *http.Request) bool { return true },
}

// heartbeatStatusMessage 推送给面板的心跳状态快照
type heartbeatStatusMessage struct {
	Type      string      `json:"type"`
	Running   bool        `json:"running"`
	Services  interface{} `json:"services"`
	Timestamp string      `json:"timestamp"`
}

// handleHeartbeatWS WebSocket实时推送心跳监控状态
func handleHeartbeatWS(supervisor *core.HeartbeatSupervisor, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warnf("⚠️ WebSocket升级失败: %v", err)
			return
		}
		defer conn.Close()

		log.Infof("💓 心跳状态WebSocket已连接: %s", c.ClientIP())

		// 丢弃入站消息，同时感知客户端断开
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()

		send := func() error {
			msg := heartbeatStatusMessage{
				Type:      "heartbeat_status",
				Running:   supervisor.IsRunning(),
				Services:  supervisor.Status(),
				Timestamp: time.Now().Format(time.RFC3339),
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return conn.WriteJSON(msg)
		}

		// 立即推一帧，面板不用等首个tick
		if err := send(); err != nil {
			return
		}

		for {
			select {
			case <-done:
				log.Infof("💓 心跳状态WebSocket已断开: %s", c.ClientIP())
				return
			case <-ticker.C:
				if err := send(); err != nil {
					return
				}
			}
		}
	}
}

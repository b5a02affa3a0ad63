package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"checkpoint-tracking/animation"
)

const (
	wsWriteTimeout   = 5 * time.Second
	wsCloseAckWindow = 2 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsReadLimit      = 4096
)

// Message types sent to tracking clients.
const (
	msgUpdate   = "update"
	msgNavigate = "navigate"
	msgFrame    = "frame"
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin applies the CORS origin list to WebSocket upgrades.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

// StreamTracking pushes every update of a ride, the observer's navigation
// once it completes, and the marker animation frames between updates.
func (s *Server) StreamTracking(w http.ResponseWriter, r *http.Request) {
	rideID, err := rideIDFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, ok := s.cfg.Manager.Get(rideID)
	if !ok {
		writeError(w, http.StatusNotFound, "tracking session not found")
		return
	}
	// Anonymous viewers still get updates, just no navigation.
	observer, _ := observerID(r.URL.Query().Get("observer_id"), bearerToken(r))

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("ride_id", rideID).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.logger.WithFields(logrus.Fields{"ride_id": rideID, "observer_id": observer})
	log.Info("tracking stream opened")
	defer log.Info("tracking stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)

	notes, unsubscribe := session.Subscribe(observer)
	defer unsubscribe()

	animator := animation.NewAnimator(s.cfg.AnimationDuration, s.cfg.FrameInterval)
	defer animator.Forget(rideID)
	var frames <-chan animation.Frame

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case n, ok := <-notes:
			if !ok {
				writeClose(conn, websocket.CloseNormalClosure, "tracking finished")
				return
			}
			if err := writeMessage(conn, msgUpdate, n.Update); err != nil {
				log.WithError(err).Debug("write update failed")
				return
			}
			if n.Navigation != nil {
				if err := writeMessage(conn, msgNavigate, n.Navigation); err != nil {
					log.WithError(err).Debug("write navigation failed")
					return
				}
			}
			frames = animator.Animate(ctx, rideID, n.Update.Vehicle)

		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if err := writeMessage(conn, msgFrame, f); err != nil {
				log.WithError(err).Debug("write frame failed")
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// readPump drains client messages so control frames are processed, and
// cancels the stream when the client goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeMessage sets a short write deadline and writes one JSON text message.
func writeMessage(conn *websocket.Conn, typ string, data interface{}) error {
	payload, err := json.Marshal(wsMessage{Type: typ, Data: data})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsCloseAckWindow),
	)
}

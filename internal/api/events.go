package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const eventsWriteWait = 5 * time.Second

// handleEvents streams job snapshots over a websocket whenever the job changes,
// then closes once the job is terminal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
		return conn.WriteJSON(v) == nil
	}
	finish := func() {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)),
			time.Now().Add(eventsWriteWait),
		)
	}

	if !send(job) {
		return
	}
	if job.Status.Terminal() {
		finish()
		return
	}

	ticker := time.NewTicker(s.eventsInterval)
	defer ticker.Stop()

	last := job.UpdatedAt
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			current, ok, err := s.jobStore.Get(r.Context(), job.ID)
			if err != nil || !ok {
				return
			}
			job = current
			if !job.UpdatedAt.Equal(last) {
				last = job.UpdatedAt
				if !send(job) {
					return
				}
			}
			if job.Status.Terminal() {
				finish()
				return
			}
		}
	}
}

package rpc

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cmdforge/internal/events"
)

const (
	submissionsWSWriteWait = 10 * time.Second
	submissionsWSPongWait  = 60 * time.Second
	submissionsWSPingEvery = (submissionsWSPongWait * 9) / 10
)

var submissionsWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type submissionsWSInbound struct {
	Type       string `json:"type"`
	ArtifactID string `json:"artifactId,omitempty"`
}

type submissionsWSOutbound struct {
	Type       string        `json:"type"`
	ArtifactID string        `json:"artifactId,omitempty"`
	Event      *events.Event `json:"event,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Code       string        `json:"code,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// HandleSubmissionsWS streams pipeline events. With ?artifact_id= the stream
// follows one submission and ends after its terminal state; without it every
// submission is streamed until the client goes away.
func (h *Handler) HandleSubmissionsWS(w http.ResponseWriter, r *http.Request) {
	artifactID := strings.TrimSpace(r.URL.Query().Get("artifact_id"))

	conn, err := submissionsWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(submissionsWSPongWait)); err != nil {
		log.Printf("submissions ws set read deadline failed: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(submissionsWSPongWait))
	})

	writeCh := make(chan submissionsWSOutbound, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(submissionsWSPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(submissionsWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
				if out.Type == "done" {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
						time.Now().Add(submissionsWSWriteWait))
					cancel()
					_ = conn.Close()
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(submissionsWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	subCh, subErr := h.svc.Subscribe(ctx, artifactID)
	if subErr != nil {
		pushSubmissionsWS(writeCh, submissionsWSOutbound{
			Type:    "error",
			Code:    "unavailable",
			Message: subErr.Error(),
		})
		pushSubmissionsWS(writeCh, submissionsWSOutbound{Type: "done"})
		<-writerDone
		return
	}

	pushSubmissionsWS(writeCh, submissionsWSOutbound{
		Type:       "subscribed",
		ArtifactID: artifactID,
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-subCh:
				if !ok {
					pushSubmissionsWS(writeCh, submissionsWSOutbound{Type: "done", ArtifactID: artifactID})
					return
				}
				pushSubmissionsWS(writeCh, submissionsWSOutbound{
					Type:       "event",
					ArtifactID: evt.ArtifactID,
					Event:      &evt,
				})
				if artifactID != "" && evt.Layer == "" && evt.State.Terminal() {
					pushSubmissionsWS(writeCh, submissionsWSOutbound{Type: "done", ArtifactID: artifactID})
					return
				}
			}
		}
	}()

	for {
		var in submissionsWSInbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			return
		}
		switch msgType := strings.TrimSpace(in.Type); msgType {
		case "ping":
			pushSubmissionsWS(writeCh, submissionsWSOutbound{Type: "pong"})
		case "cancel":
			id := strings.TrimSpace(in.ArtifactID)
			if id == "" {
				id = artifactID
			}
			if id == "" {
				pushSubmissionsWS(writeCh, submissionsWSOutbound{
					Type:    "error",
					Code:    "invalid_argument",
					Message: "artifactId is required",
				})
				continue
			}
			pushSubmissionsWS(writeCh, submissionsWSOutbound{
				Type:       "cancel_result",
				ArtifactID: id,
				Cancelled:  h.svc.Cancel(id),
			})
		default:
			pushSubmissionsWS(writeCh, submissionsWSOutbound{
				Type:    "error",
				Code:    "invalid_argument",
				Message: "unsupported type: " + msgType,
			})
		}
	}
}

// pushSubmissionsWS drops the oldest queued message when the writer lags.
func pushSubmissionsWS(writeCh chan submissionsWSOutbound, out submissionsWSOutbound) {
	select {
	case writeCh <- out:
		return
	default:
	}
	select {
	case <-writeCh:
	default:
	}
	select {
	case writeCh <- out:
	default:
	}
}

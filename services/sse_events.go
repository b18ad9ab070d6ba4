package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"snapmap/logger"
	"snapmap/models"

	"github.com/gofiber/fiber/v2"
)

// EventSubscriber yields verification events until ctx is done
type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan models.VerificationEvent, error)
}

type EventStreamService struct {
	events    EventSubscriber
	keepAlive time.Duration
	log       *logger.Logger
}

func NewEventStreamService(events EventSubscriber) *EventStreamService {
	return &EventStreamService{events: events, keepAlive: 15 * time.Second, log: logger.Named("sse")}
}

// StreamVerificationEvents streams the caller's terminal verification events
func (s *EventStreamService) StreamVerificationEvents(c *fiber.Ctx) error {
	userID := CurrentUser(c).ID

	ctx, cancel := context.WithCancel(context.Background())
	events, err := s.events.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()

		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.UserID != userID {
					continue
				}
				payload, _ := json.Marshal(ev)
				fmt.Fprintf(w, "event: verification\ndata: %s\n\n", payload)
				if err := w.Flush(); err != nil {
					// client disconnected
					return
				}
			case <-ticker.C:
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	s.log.Debug().Int64("user_id", userID).Msg("[SSE] stream opened")
	return nil
}

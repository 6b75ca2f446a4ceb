package scrape

import (
	"context"
	"log/slog"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/events"
)

// State is the lifecycle stage of a crawl.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateFinished    State = "finished"
	StateCanceled    State = "canceled"
)

// Done reports whether the crawl has ended.
func (s State) Done() bool {
	return s == StateFinished || s == StateCanceled
}

// Status is a snapshot of crawl progress.
type Status struct {
	State          State   `json:"state"`
	PagesVisited   int     `json:"pagesVisited"`
	PagesRemaining int     `json:"pagesRemaining"`
	PPM            float64 `json:"ppm"`
	PPMLimit       float64 `json:"ppmLimit"`
	Error          string  `json:"error,omitempty"`
}

// Reporter observes status changes. It is called from the crawl goroutine
// and must not block.
type Reporter func(r *Runner, s Status)

// PublishStatus returns a Reporter that publishes every status as a
// scrape.status event keyed by the runner id.
func PublishStatus(p events.Publisher) Reporter {
	return func(r *Runner, s Status) {
		err := p.Publish(context.Background(), events.Event{
			Type:    events.TypeScrapeStatus,
			Key:     r.ID(),
			Time:    time.Now(),
			Payload: s,
		})
		if err != nil {
			slog.Warn("failed to publish scrape status.", slog.String("err", err.Error()))
		}
	}
}

// Reporters combines several reporters.
func Reporters(rs ...Reporter) Reporter {
	return func(r *Runner, s Status) {
		for _, fn := range rs {
			if fn != nil {
				fn(r, s)
			}
		}
	}
}

package recall

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"recallbot/internal/models"
)

type eventPage struct {
	Next    string               `json:"next"`
	Results []models.RemoteEvent `json:"results"`
}

// ListEvents returns every event of the calendar updated at or after
// updatedSince, following pagination links. A zero updatedSince lists all.
func (c *Client) ListEvents(ctx context.Context, calendarID string, updatedSince time.Time) ([]models.RemoteEvent, error) {
	query := url.Values{}
	query.Set("calendar_id", calendarID)
	if !updatedSince.IsZero() {
		query.Set("updated_at__gte", updatedSince.UTC().Format(time.RFC3339Nano))
	}

	var events []models.RemoteEvent
	next := "/calendar-events/?" + query.Encode()
	for page := 0; next != ""; page++ {
		if page >= c.config.MaxPages {
			return nil, fmt.Errorf("list events for calendar %s: more than %d pages", calendarID, c.config.MaxPages)
		}
		var resp eventPage
		if err := c.do(ctx, "list_events", http.MethodGet, next, nil, &resp); err != nil {
			return nil, err
		}
		events = append(events, resp.Results...)
		next = resp.Next
	}
	return events, nil
}

func (c *Client) GetEvent(ctx context.Context, id string) (*models.RemoteEvent, error) {
	var ev models.RemoteEvent
	if err := c.do(ctx, "get_event", http.MethodGet, "/calendar-events/"+url.PathEscape(id)+"/", nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

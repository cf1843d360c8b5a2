package recall

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"recallbot/internal/models"
)

func (c *Client) CreateCalendar(ctx context.Context, req models.CreateCalendarRequest) (*models.RemoteCalendar, error) {
	if req.Platform == "" {
		return nil, errors.New("calendar platform is required")
	}
	var cal models.RemoteCalendar
	if err := c.do(ctx, "create_calendar", http.MethodPost, "/calendars/", req, &cal); err != nil {
		return nil, err
	}
	return &cal, nil
}

func (c *Client) GetCalendar(ctx context.Context, id string) (*models.RemoteCalendar, error) {
	var cal models.RemoteCalendar
	if err := c.do(ctx, "get_calendar", http.MethodGet, "/calendars/"+url.PathEscape(id)+"/", nil, &cal); err != nil {
		return nil, err
	}
	return &cal, nil
}

func (c *Client) UpdateCalendar(ctx context.Context, id string, patch models.UpdateCalendarRequest) (*models.RemoteCalendar, error) {
	var cal models.RemoteCalendar
	if err := c.do(ctx, "update_calendar", http.MethodPatch, "/calendars/"+url.PathEscape(id)+"/", patch, &cal); err != nil {
		return nil, err
	}
	return &cal, nil
}

func (c *Client) DeleteCalendar(ctx context.Context, id string) error {
	return c.do(ctx, "delete_calendar", http.MethodDelete, "/calendars/"+url.PathEscape(id)+"/", nil, nil)
}

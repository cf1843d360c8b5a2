package recall

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"recallbot/internal/models"
)

type addBotRequest struct {
	DeduplicationKey string           `json:"deduplication_key"`
	BotConfig        models.BotConfig `json:"bot_config"`
}

// AddBot schedules a bot for the event. The provider collapses concurrent
// requests sharing deduplicationKey and answers 409 while one is in flight.
func (c *Client) AddBot(ctx context.Context, eventID, deduplicationKey string, cfg models.BotConfig) (*models.RemoteEvent, error) {
	if deduplicationKey == "" {
		return nil, errors.New("deduplication key is required")
	}
	body := addBotRequest{DeduplicationKey: deduplicationKey, BotConfig: cfg}

	var ev models.RemoteEvent
	if err := c.do(ctx, "add_bot", http.MethodPost, "/calendar-events/"+url.PathEscape(eventID)+"/bot/", body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// RemoveBot detaches any scheduled bot from the event.
func (c *Client) RemoveBot(ctx context.Context, eventID string) (*models.RemoteEvent, error) {
	var ev models.RemoteEvent
	if err := c.do(ctx, "remove_bot", http.MethodDelete, "/calendar-events/"+url.PathEscape(eventID)+"/bot/", nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *Client) GetBot(ctx context.Context, botID string) (*models.Bot, error) {
	var bot models.Bot
	if err := c.do(ctx, "get_bot", http.MethodGet, "/bot/"+url.PathEscape(botID)+"/", nil, &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

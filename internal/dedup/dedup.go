// Package dedup detects meetings that another user of the same organization
// already has a bot on, and derives the deduplication keys for add-bot calls.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"recallbot/internal/config"
	"recallbot/internal/domain"
	"recallbot/internal/logging"
	"recallbot/internal/models"
	"recallbot/internal/policy"
	"recallbot/internal/recall"
)

// candidateLookbehind bounds how far before the event's start a sibling event
// may begin and still overlap it.
const candidateLookbehind = 24 * time.Hour

// EventKey is the per-event deduplication key.
func EventKey(remoteEventID string) string {
	return "recall-event-" + remoteEventID
}

// SharedKey is the organization-wide key for one meeting.
func SharedKey(orgDomain, normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return fmt.Sprintf("recall-org-%s-%s", orgDomain, hex.EncodeToString(sum[:])[:16])
}

// NormalizeURL drops the query and fragment and lowercases the rest, so
// links that differ only in passcodes or tracking parameters compare equal.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			raw = raw[:i]
		}
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	normalized := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + strings.ToLower(u.EscapedPath())
	return strings.TrimRight(normalized, "/")
}

// Result is the outcome of a shared-bot check.
type Result struct {
	// Key is passed to add-bot.
	Key string

	Domain        string
	NormalizedURL string

	// Shared is true when an existing bot already covers the meeting; the
	// caller must not add another.
	Shared      bool
	SharedWith  string
	ExistingBot string
}

type Deduplicator struct {
	store    domain.Store
	client   domain.ProvisioningClient
	cache    domain.RemoteEventCache
	enabled  bool
	personal map[string]struct{}
	logger   *zerolog.Logger
	now      func() time.Time
}

// New builds a Deduplicator. cache may be nil, in which case every
// remote lookup goes to the provider.
func New(
	store domain.Store,
	client domain.ProvisioningClient,
	cache domain.RemoteEventCache,
	cfg config.DedupConfig,
	logger *zerolog.Logger,
) *Deduplicator {
	return &Deduplicator{
		store:    store,
		client:   client,
		cache:    cache,
		enabled:  cfg.Enabled,
		personal: cfg.PersonalDomainSet(),
		logger:   logging.Component(logger, "dedup"),
		now:      time.Now,
	}
}

// OrganizationDomain returns the email's domain, or "" when it is missing
// or belongs to a personal mail provider.
func (d *Deduplicator) OrganizationDomain(email string) string {
	host := policy.EmailDomain(email)
	if host == "" {
		return ""
	}
	if _, personal := d.personal[host]; personal {
		return ""
	}
	return host
}

// Check looks for sibling events in the owner's organization that reference
// the same meeting during an overlapping window. Local snapshots are checked
// first; siblings without a recorded bot are confirmed against the provider,
// which must also still run the listed bot.
func (d *Deduplicator) Check(ctx context.Context, ev *models.CalendarEvent, ownerEmail string) (Result, error) {
	res := Result{Key: EventKey(ev.RemoteID)}
	if !d.enabled {
		return res, nil
	}

	res.Domain = d.OrganizationDomain(ownerEmail)
	res.NormalizedURL = NormalizeURL(ev.MeetingURL)
	if res.Domain == "" || res.NormalizedURL == "" {
		return res, nil
	}

	siblings, err := d.siblings(ctx, ev, res.Domain, res.NormalizedURL)
	if err != nil {
		return res, err
	}
	if len(siblings) == 0 {
		return res, nil
	}
	res.Key = SharedKey(res.Domain, res.NormalizedURL)

	for _, sib := range siblings {
		if bots := sib.Bots(); len(bots) > 0 {
			res.Shared = true
			res.SharedWith = sib.RemoteID
			res.ExistingBot = bots[0].BotID
			return res, nil
		}
	}

	for _, sib := range siblings {
		remote, err := d.lookup(ctx, sib.RemoteID)
		if err != nil {
			d.logger.Warn().Err(err).
				Str("remote_event_id", ev.RemoteID).
				Str("sibling_event_id", sib.RemoteID).
				Msg("remote bot lookup failed, skipping sibling")
			continue
		}
		botID := d.liveBot(ctx, remote.Bots)
		if botID == "" {
			continue
		}

		if snapshot, err := json.Marshal(remote); err == nil {
			if err := d.store.UpdateEventSnapshot(ctx, sib.RemoteID, snapshot); err != nil {
				d.logger.Warn().Err(err).Str("sibling_event_id", sib.RemoteID).Msg("failed to refresh sibling snapshot")
			}
		}
		res.Shared = true
		res.SharedWith = sib.RemoteID
		res.ExistingBot = botID
		return res, nil
	}
	return res, nil
}

func (d *Deduplicator) siblings(ctx context.Context, ev *models.CalendarEvent, orgDomain, normalized string) ([]*models.CalendarEvent, error) {
	users, err := d.store.ListUsersByDomain(ctx, orgDomain)
	if err != nil {
		return nil, fmt.Errorf("list users for %s: %w", orgDomain, err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	userIDs := make([]int64, 0, len(users))
	for _, u := range users {
		userIDs = append(userIDs, u.ID)
	}

	calendars, err := d.store.ListCalendarsByUserIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list calendars for %s: %w", orgDomain, err)
	}
	if len(calendars) == 0 {
		return nil, nil
	}
	calendarIDs := make([]int64, 0, len(calendars))
	for _, c := range calendars {
		calendarIDs = append(calendarIDs, c.ID)
	}

	events, err := d.store.ListUpcomingEvents(ctx, calendarIDs, ev.StartTime.Add(-candidateLookbehind))
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", orgDomain, err)
	}

	var out []*models.CalendarEvent
	for _, other := range events {
		if other.RemoteID == ev.RemoteID {
			continue
		}
		if NormalizeURL(other.MeetingURL) != normalized || !ev.Overlaps(other) {
			continue
		}
		out = append(out, other)
	}
	return out, nil
}

// liveBot returns the first listed bot that has not ended. A bot whose state
// cannot be read is taken as live.
func (d *Deduplicator) liveBot(ctx context.Context, bots []models.RemoteBot) string {
	for _, listed := range bots {
		bot, err := d.client.GetBot(ctx, listed.BotID)
		switch {
		case recall.IsNotFound(err):
			continue
		case err != nil:
			d.logger.Warn().Err(err).Str("bot_id", listed.BotID).Msg("bot lookup failed, assuming live")
		case bot.Ended():
			d.logger.Debug().Str("bot_id", listed.BotID).Str("status", bot.LatestStatus()).Msg("listed bot already ended")
			continue
		}
		return listed.BotID
	}
	return ""
}

// lookup fetches the provider's view of an event through the cache.
func (d *Deduplicator) lookup(ctx context.Context, remoteID string) (*models.RemoteEvent, error) {
	if d.cache != nil {
		cached, err := d.cache.GetRemoteEvent(ctx, remoteID)
		if err != nil {
			d.logger.Debug().Err(err).Str("remote_event_id", remoteID).Msg("remote event cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	remote, err := d.client.GetEvent(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		if err := d.cache.SetRemoteEvent(ctx, remote); err != nil {
			d.logger.Debug().Err(err).Str("remote_event_id", remoteID).Msg("remote event cache write failed")
		}
	}
	return remote, nil
}

// Forget drops a cached remote lookup, used after this process changes the event's bots.
func (d *Deduplicator) Forget(ctx context.Context, remoteID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.DeleteRemoteEvent(ctx, remoteID); err != nil {
		d.logger.Debug().Err(err).Str("remote_event_id", remoteID).Msg("remote event cache delete failed")
	}
}

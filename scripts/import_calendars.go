package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"recallbot/internal/config"
	"recallbot/internal/database"
	"recallbot/internal/domain"
	"recallbot/internal/models"
	"recallbot/internal/recall"
)

// CalendarsFile lists calendars to connect. OAuth secrets are usually
// injected through ${ENV} references, which are expanded before decoding.
type CalendarsFile struct {
	Calendars []CalendarEntry `yaml:"calendars"`
}

type CalendarEntry struct {
	Email    string `yaml:"email"`
	Platform string `yaml:"platform"`

	// RemoteID adopts a calendar that already exists at the provider.
	RemoteID string `yaml:"remote_id"`

	OAuthClientID     string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`
	OAuthRefreshToken string `yaml:"oauth_refresh_token"`

	Settings models.CalendarSettings `yaml:"settings"`

	// Remove deletes the calendar at the provider and marks it disconnected.
	Remove bool `yaml:"remove"`
}

type importAction string

const (
	actionCreated importAction = "created"
	actionUpdated importAction = "updated"
	actionRemoved importAction = "removed"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		calendarsPath = flag.String("calendars", "configs/calendars.yaml", "path to calendars.yaml")
		configPath    = flag.String("config", "configs/config.yaml", "path to config.yaml")
	)
	flag.Parse()

	data, err := os.ReadFile(*calendarsPath)
	if err != nil {
		return fmt.Errorf("read calendars: %w", err)
	}
	var file CalendarsFile
	if err = yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return fmt.Errorf("parse calendars: %w", err)
	}
	if len(file.Calendars) == 0 {
		return errors.New("no calendars in yaml")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	client, err := recall.NewClient(recall.ConfigFrom(cfg.Provisioning), &logger)
	if err != nil {
		return fmt.Errorf("init provisioning client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	counts := map[importAction]int{}
	for _, entry := range file.Calendars {
		if strings.TrimSpace(entry.Email) == "" {
			continue
		}
		action, err := importCalendar(ctx, db, client, entry)
		if err != nil {
			return fmt.Errorf("import %s: %w", entry.Email, err)
		}
		counts[action]++
	}

	fmt.Printf("done: created=%d updated=%d removed=%d\n",
		counts[actionCreated], counts[actionUpdated], counts[actionRemoved])
	return nil
}

// importCalendar links one calendar at the provider and stores it locally.
// A calendar already stored gets its settings refreshed and any credentials
// in the entry pushed to the provider.
func importCalendar(ctx context.Context, db *database.DB, client domain.ProvisioningClient, entry CalendarEntry) (importAction, error) {
	var existing *models.Calendar
	if entry.RemoteID != "" {
		cal, err := db.GetCalendarByRemoteID(ctx, entry.RemoteID)
		switch {
		case err == nil:
			existing = cal
		case !errors.Is(err, database.ErrNotFound):
			return "", err
		}
	}

	if entry.Remove {
		return actionRemoved, removeCalendar(ctx, db, client, entry.RemoteID, existing)
	}

	user := &models.User{Email: entry.Email}
	if err := db.CreateOrUpdateUser(ctx, user); err != nil {
		return "", err
	}

	if existing != nil {
		if err := db.UpdateCalendarSettings(ctx, existing.ID, entry.Settings); err != nil {
			return "", err
		}
		return actionUpdated, rotateCredentials(ctx, db, client, existing, entry)
	}

	var (
		remote *models.RemoteCalendar
		err    error
	)
	if entry.RemoteID != "" {
		remote, err = client.GetCalendar(ctx, entry.RemoteID)
	} else {
		remote, err = client.CreateCalendar(ctx, models.CreateCalendarRequest{
			Platform:          entry.Platform,
			OAuthClientID:     entry.OAuthClientID,
			OAuthClientSecret: entry.OAuthClientSecret,
			OAuthRefreshToken: entry.OAuthRefreshToken,
			OAuthEmail:        entry.Email,
		})
	}
	if err != nil {
		return "", err
	}

	platform := remote.Platform
	if platform == "" {
		platform = entry.Platform
	}
	cal := &models.Calendar{
		UserID:   user.ID,
		RemoteID: remote.ID,
		Platform: platform,
		Email:    entry.Email,
		Status:   models.ParseCalendarStatus(remote.Status),
		Settings: entry.Settings,
	}
	if err := db.CreateCalendar(ctx, cal); err != nil {
		return "", err
	}
	return actionCreated, nil
}

func rotateCredentials(ctx context.Context, db *database.DB, client domain.ProvisioningClient, cal *models.Calendar, entry CalendarEntry) error {
	var patch models.UpdateCalendarRequest
	set := func(v string) *string {
		if v == "" {
			return nil
		}
		return &v
	}
	patch.OAuthClientID = set(entry.OAuthClientID)
	patch.OAuthClientSecret = set(entry.OAuthClientSecret)
	patch.OAuthRefreshToken = set(entry.OAuthRefreshToken)
	if patch == (models.UpdateCalendarRequest{}) {
		return nil
	}

	remote, err := client.UpdateCalendar(ctx, cal.RemoteID, patch)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	snapshot, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("encode calendar snapshot: %w", err)
	}
	_, err = db.SetCalendarStatus(ctx, cal.ID, models.ParseCalendarStatus(remote.Status), "credentials updated by import", snapshot)
	return err
}

func removeCalendar(ctx context.Context, db *database.DB, client domain.ProvisioningClient, remoteID string, cal *models.Calendar) error {
	if remoteID == "" {
		return errors.New("remove requires remote_id")
	}
	if err := client.DeleteCalendar(ctx, remoteID); err != nil && !recall.IsNotFound(err) {
		return fmt.Errorf("delete calendar: %w", err)
	}
	if cal == nil {
		return nil
	}
	_, err := db.SetCalendarStatus(ctx, cal.ID, models.CalendarStatusDisconnected, "removed by import", nil)
	return err
}

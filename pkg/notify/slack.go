package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackSink posts warning and quarantine notices to a Slack channel.
// Adapted from the teacher's chat notifier: a disabled (no token) instance
// is a silent no-op rather than an error, so processes run fine without
// Slack configured.
type SlackSink struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackSink builds a SlackSink. If botToken is empty the sink logs
// instead of posting.
func NewSlackSink(botToken, channel string, logger *slog.Logger) *SlackSink {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackSink{client: client, channel: channel, logger: logger}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) enabled() bool { return s.client != nil && s.channel != "" }

func (s *SlackSink) Warn(ctx context.Context, msg WarningMessage) error {
	text := fmt.Sprintf(":alarm_clock: reservation `%s` (%s) expires in %d minutes, at %s",
		msg.ReservationID, msg.Name, msg.MinutesLeft, msg.ExpiresAt)
	if !s.enabled() {
		s.logger.Info("notify: expiry warning", "reservation_id", msg.ReservationID, "minutes_left", msg.MinutesLeft)
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting expiry warning to slack: %w", err)
	}
	return nil
}

func (s *SlackSink) Quarantine(ctx context.Context, msg QuarantineMessage) error {
	text := fmt.Sprintf(":warning: disk `%s` volume `%s` quarantined (%s) at %s",
		msg.DiskName, msg.VolumeID, msg.Reason, msg.QuarantinedAt)
	if !s.enabled() {
		s.logger.Info("notify: quarantine", "disk_name", msg.DiskName, "volume_id", msg.VolumeID)
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting quarantine notice to slack: %w", err)
	}
	return nil
}

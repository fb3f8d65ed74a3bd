package csms

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorWarning  = 0xFF9900
	colorCritical = 0xCC3333
)

// AlertSession abstracts the discordgo.Session method the alerter
// uses, enabling mock-based testing without real Discord API calls.
type AlertSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Alerter pushes operational notices to a Discord channel. A nil
// Alerter is valid and does nothing, so call sites never branch on
// whether alerting is configured.
type Alerter struct {
	session   AlertSession
	channelID string
	logger    *zap.Logger
}

// NewAlerter creates an Alerter with a real discordgo session. Alerts
// only use REST calls, so the gateway is never opened.
func NewAlerter(token, channelID string, logger *zap.Logger) (*Alerter, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &Alerter{session: dg, channelID: channelID, logger: logger}, nil
}

// NewAlerterWithSession creates an Alerter around an existing session.
func NewAlerterWithSession(session AlertSession, channelID string, logger *zap.Logger) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerter{session: session, channelID: channelID, logger: logger}
}

// ChargerOffline reports a charger that stopped sending frames.
func (a *Alerter) ChargerOffline(serial string) {
	a.send(&discordgo.MessageEmbed{
		Title:       "Charger Offline",
		Description: fmt.Sprintf("Charger `%s` missed its heartbeat window and was disconnected.", serial),
		Color:       colorWarning,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

// ChargerFaulted reports a device-side fault status.
func (a *Alerter) ChargerFaulted(serial, errorCode string) {
	if errorCode == "" {
		errorCode = "unspecified"
	}
	a.send(&discordgo.MessageEmbed{
		Title:       "Charger Faulted",
		Description: fmt.Sprintf("Charger `%s` reported a fault.", serial),
		Color:       colorCritical,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Error Code", Value: errorCode, Inline: true},
		},
	})
}

// FirmwareBelowFloor reports a charger running firmware older than
// the configured minimum.
func (a *Alerter) FirmwareBelowFloor(serial, reported, minimum string) {
	a.send(&discordgo.MessageEmbed{
		Title:       "Firmware Below Minimum",
		Description: fmt.Sprintf("Charger `%s` booted with outdated firmware.", serial),
		Color:       colorWarning,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Reported", Value: reported, Inline: true},
			{Name: "Minimum", Value: minimum, Inline: true},
		},
	})
}

func (a *Alerter) send(embed *discordgo.MessageEmbed) {
	if a == nil || a.session == nil {
		return
	}
	if _, err := a.session.ChannelMessageSendEmbed(a.channelID, embed); err != nil {
		a.logger.Warn("failed to send alert",
			zap.String("title", embed.Title),
			zap.Error(err),
		)
	}
}

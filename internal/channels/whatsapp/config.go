package whatsapp

import (
	"log/slog"
	"time"

	"github.com/loopgate/loopgate/internal/channels"
)

// Config holds WhatsApp adapter settings.
type Config struct {
	// ChannelID is the channel row id this adapter serves.
	ChannelID string

	// SessionPath is the sqlite file holding whatsmeow device state.
	SessionPath string

	// QRDir, when set, receives pairing QR codes as PNG files in
	// addition to the QRChannel stream.
	QRDir string

	// AllowedNumbers restricts inbound traffic when set. Entries are
	// matched against the sender's phone number (JID user part).
	AllowedNumbers []string

	// MaxReconnectAttempts bounds the reconnect loop; past it the auth
	// state is reset and pairing starts over.
	MaxReconnectAttempts int

	// MaxQRRetries bounds how many QR codes are offered per pairing
	// attempt before giving up.
	MaxQRRetries int

	// ReconnectBase is the starting backoff delay, doubled per attempt
	// and capped at ReconnectCap.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.SessionPath == "" {
		return channels.ErrConfig("session_path is required", nil)
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.MaxQRRetries == 0 {
		c.MaxQRRetries = 5
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

package auth

import (
	"context"
	"log/slog"
	"net/url"
	"time"
)

// ResetNotice is what gets delivered to a user who asked for a reset.
type ResetNotice struct {
	Email     string
	Link      string
	ExpiresAt time.Time
}

// Notifier delivers reset tokens out of band (mail, SMS, ...).
type Notifier interface {
	SendPasswordReset(ctx context.Context, n ResetNotice) error
}

// LogNotifier writes reset links to the log. Meant for development setups
// without a mail relay; the link contains a live credential.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) SendPasswordReset(_ context.Context, notice ResetNotice) error {
	n.Logger.Info("password reset requested",
		"email", notice.Email,
		"link", notice.Link,
		"expires_at", notice.ExpiresAt)
	return nil
}

// resetLink appends the token as a "token" query parameter to base.
func resetLink(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

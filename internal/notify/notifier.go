package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier delivers one-time secrets out-of-band. Delivery is
// best-effort: callers log failures and carry on, and a resend endpoint
// covers lost messages.
type Notifier interface {
	SendVerificationCode(ctx context.Context, email, code string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

// LogNotifier is the development stand-in for a real mail channel. It
// records recipient and kind only; the secret itself never reaches logs.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendVerificationCode(_ context.Context, email, _ string) error {
	n.logger.Info("verification code issued", zap.String("email", email))
	return nil
}

func (n *LogNotifier) SendPasswordReset(_ context.Context, email, _ string) error {
	n.logger.Info("password reset link issued", zap.String("email", email))
	return nil
}

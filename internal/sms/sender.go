// Package sms delivers OTP codes to phones.
package sms

import (
	"context"
	"fmt"

	"github.com/signalix/identity/internal/logging"
	"go.uber.org/zap"
)

// Sender delivers a text message to a phone number.
type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

// OTPMessage renders the text sent for a verification code.
func OTPMessage(code string) string {
	return fmt.Sprintf("Your Signalix verification code is %s. It expires in 5 minutes.", code)
}

// LogSender records that a message would have been sent. The message body is
// never logged.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, phone, _ string) error {
	s.logger.Info("sms delivery skipped, no gateway configured", logging.Phone(phone))
	return nil
}

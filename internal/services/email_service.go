package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/dminischetti/passless/internal/models"
	"github.com/dminischetti/passless/pkg/logger"
)

// EmailService delivers authentication mail. Magic-link delivery failures are
// fatal to issuance: a link that cannot reach the inbox must not exist in the
// database as a consumable credential.
type EmailService interface {
	SendMagicLink(ctx context.Context, link *models.MagicLink) error
	SendSecurityAlert(ctx context.Context, email, subject, body string) error
}

// AWSSESEmailService sends emails using AWS SES
type AWSSESEmailService struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESEmailService creates a new AWS SES email service
func NewAWSSESEmailService(region, fromAddress string, log *slog.Logger) (*AWSSESEmailService, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESEmailService{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      log,
	}, nil
}

// SendMagicLink sends a one-time sign-in link to the user
func (s *AWSSESEmailService) SendMagicLink(ctx context.Context, link *models.MagicLink) error {
	expiry := link.ExpiresAt.Format("15:04 MST")

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f8f9fa; padding: 20px; text-align: center; border-radius: 4px; }
        .content { padding: 20px 0; }
        .button { display: inline-block; background-color: #0066cc; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
        .warning { background-color: #fff3cd; padding: 10px; border-left: 4px solid #ffc107; margin: 10px 0; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Your Sign-In Link</h1>
        </div>
        <div class="content">
            <p>Click the button below to sign in. No password needed.</p>
            <p><a href="%s" class="button">Sign In</a></p>
            <p>Or copy and paste this link in your browser:<br>
            <code>%s</code></p>
            <div class="warning">
                <strong>Security notice:</strong> This link works once and expires at %s. It only works from the device that requested it.
            </div>
            <p><strong>Didn't request this?</strong><br>
            You can ignore this email. Nobody can sign in without access to your inbox.</p>
        </div>
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>
`, link.URL, link.URL, expiry)

	textBody := fmt.Sprintf(`Your Sign-In Link

Click the link below to sign in. No password needed.

%s

Security notice: this link works once and expires at %s. It only works from the device that requested it.

Didn't request this?
You can ignore this email. Nobody can sign in without access to your inbox.

This is an automated message. Please do not reply to this email.
`, link.URL, expiry)

	err := s.send(ctx, link.Email, "Your sign-in link", htmlBody, textBody)
	if err != nil {
		s.logger.Error("failed to send magic link via SES",
			slog.String("email", logger.SanitizedEmail(link.Email)),
			slog.Any("error", err))
		return fmt.Errorf("%w: %v", models.ErrMailDelivery, err)
	}

	return nil
}

// SendSecurityAlert sends a plain notification about account security events
func (s *AWSSESEmailService) SendSecurityAlert(ctx context.Context, email, subject, body string) error {
	htmlBody := fmt.Sprintf("<p>%s</p>", body)

	err := s.send(ctx, email, subject, htmlBody, body)
	if err != nil {
		s.logger.Error("failed to send security alert via SES",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}

func (s *AWSSESEmailService) send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		return err
	}

	s.logger.Info("email sent",
		slog.String("email", logger.SanitizedEmail(to)),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// LogEmailService writes mail to the structured log instead of sending it.
// Used in development so the magic link is reachable without an inbox.
type LogEmailService struct {
	logger *slog.Logger
}

func NewLogEmailService(log *slog.Logger) *LogEmailService {
	return &LogEmailService{logger: log}
}

func (s *LogEmailService) SendMagicLink(ctx context.Context, link *models.MagicLink) error {
	s.logger.Info("magic link (mail disabled)",
		slog.String("email", logger.SanitizedEmail(link.Email)),
		slog.String("url", link.URL),
		slog.Time("expires_at", link.ExpiresAt))
	return nil
}

func (s *LogEmailService) SendSecurityAlert(ctx context.Context, email, subject, body string) error {
	s.logger.Info("security alert (mail disabled)",
		slog.String("email", logger.SanitizedEmail(email)),
		slog.String("subject", subject))
	return nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/mjl-/hookmta/config"
	"github.com/mjl-/hookmta/mlog"
)

// SendEmailAPI is the SES v2 SendEmail operation, implemented by
// *sesv2.Client.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES delivers messages as raw messages through the Amazon SES v2 API.
type SES struct {
	Client           SendEmailAPI
	ConfigurationSet string
}

var _ Transport = (*SES)(nil)

// NewSES returns an SES transport with a client for the configured region.
// Without static credentials, the default AWS credential chain is used.
func NewSES(ctx context.Context, c config.TransportSES) (*SES, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &SES{Client: sesv2.NewFromConfig(awsCfg), ConfigurationSet: c.ConfigurationSet}, nil
}

func (s *SES) Name() string {
	return "ses"
}

func (s *SES) Deliver(ctx context.Context, log mlog.Log, m Msg) error {
	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: m.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: m.Data(),
			},
		},
	}
	if m.From != "" {
		input.FromEmailAddress = aws.String(m.From)
	}
	if s.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.ConfigurationSet)
	}
	out, err := s.Client.SendEmail(ctx, input)
	if err != nil {
		return &Error{Host: "ses", Permanent: sesPermanent(err), Err: err}
	}
	if out != nil && out.MessageId != nil {
		log.Debug("sent through ses", slog.String("sesmessageid", *out.MessageId))
	}
	return nil
}

// sesPermanent returns whether the API error means the message will never be
// accepted, e.g. a rejected or malformed message.
func sesPermanent(err error) bool {
	var rejected *types.MessageRejected
	var badRequest *types.BadRequestException
	var notVerified *types.MailFromDomainNotVerifiedException
	return errors.As(err, &rejected) || errors.As(err, &badRequest) || errors.As(err, &notVerified)
}

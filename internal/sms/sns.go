package sms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/authcore/internal/models"
	"github.com/BradenHooton/authcore/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Publisher is the subset of the SNS client the provider uses
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSProvider sends transactional text messages through AWS SNS
type SNSProvider struct {
	client   Publisher
	senderID string
	logger   *slog.Logger
}

// NewSNSProvider loads the default AWS credential chain for region
func NewSNSProvider(ctx context.Context, region, senderID string, logger *slog.Logger) (*SNSProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSNSProviderWithClient(sns.NewFromConfig(cfg), senderID, logger), nil
}

// NewSNSProviderWithClient wraps an existing publisher
func NewSNSProviderWithClient(client Publisher, senderID string, logger *slog.Logger) *SNSProvider {
	return &SNSProvider{client: client, senderID: senderID, logger: logger}
}

func (p *SNSProvider) Name() string {
	return "sns"
}

func (p *SNSProvider) Send(ctx context.Context, number, message string) (models.SMSSendResult, error) {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if p.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(p.senderID),
		}
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(number),
		Message:           aws.String(message),
		MessageAttributes: attrs,
	})
	if err != nil {
		p.logger.Error("failed to publish sms via SNS",
			logger.PhoneAttr("phone", number),
			slog.Any("error", err))
		return models.SMSSendResult{}, fmt.Errorf("sns publish: %w", err)
	}

	id := aws.ToString(out.MessageId)
	p.logger.Info("sms published via SNS",
		logger.PhoneAttr("phone", number),
		slog.String("message_id", id))
	return models.SMSSendResult{Success: true, ProviderMessageID: id}, nil
}

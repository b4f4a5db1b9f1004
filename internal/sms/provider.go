package sms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/authcore/internal/config"
	"github.com/BradenHooton/authcore/internal/services"
)

var (
	_ services.SMSProvider = (*SNSProvider)(nil)
	_ services.SMSProvider = (*HTTPProvider)(nil)
	_ services.SMSProvider = (*LogProvider)(nil)
	_ services.SMSProvider = (*ThrottledProvider)(nil)
)

// NewProvider builds the named provider from configuration, throttled at cfg.ProviderRate.
// An empty name returns nil so the secondary slot can stay unset.
func NewProvider(ctx context.Context, name string, cfg *config.SMSConfig, logger *slog.Logger) (services.SMSProvider, error) {
	var p services.SMSProvider
	switch name {
	case "":
		return nil, nil
	case "sns":
		sns, err := NewSNSProvider(ctx, cfg.AWSRegion, cfg.HTTPSender, logger)
		if err != nil {
			return nil, err
		}
		p = sns
	case "http":
		p = NewHTTPProvider(cfg.HTTPURL, cfg.HTTPAPIKey, cfg.HTTPSender, logger)
	case "log":
		p = NewLogProvider(logger)
	default:
		return nil, fmt.Errorf("unknown sms provider %q", name)
	}
	return NewThrottledProvider(p, cfg.ProviderRate, int(cfg.ProviderRate)+1), nil
}

package sms

import (
	"context"
	"fmt"

	"github.com/BradenHooton/authcore/internal/models"
	"github.com/BradenHooton/authcore/internal/services"
	"golang.org/x/time/rate"
)

// ThrottledProvider caps the outbound message rate of another provider.
// Send waits for a token until ctx is done.
type ThrottledProvider struct {
	next    services.SMSProvider
	limiter *rate.Limiter
}

// NewThrottledProvider allows perSecond messages with bursts of burst.
// A non-positive rate returns next unchanged.
func NewThrottledProvider(next services.SMSProvider, perSecond float64, burst int) services.SMSProvider {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &ThrottledProvider{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (p *ThrottledProvider) Name() string {
	return p.next.Name()
}

func (p *ThrottledProvider) Send(ctx context.Context, number, message string) (models.SMSSendResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return models.SMSSendResult{}, fmt.Errorf("%s throttled: %w", p.next.Name(), err)
	}
	return p.next.Send(ctx, number, message)
}

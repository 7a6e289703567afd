package pipeline

import (
	"context"
	"fmt"
	"time"
)

// StubRCA returns a canned root cause analysis after a simulated
// thinking delay. It stands in for a real analysis backend.
func StubRCA(delay time.Duration) Producer {
	return func(ctx context.Context, prompt string, alert Alert) (string, error) {
		if err := sleep(ctx, delay); err != nil {
			return "", err
		}
		service := alert.Service
		if service == "" {
			service = "the affected service"
		}
		return fmt.Sprintf(
			"Root cause: %s is exhausting its connection pool under elevated load (%s). Prompt: %s",
			service, alert.Summary, prompt), nil
	}
}

// StubRemediation returns a canned remediation proposal after a
// simulated thinking delay.
func StubRemediation(delay time.Duration) Producer {
	return func(ctx context.Context, prompt string, alert Alert) (string, error) {
		if err := sleep(ctx, delay); err != nil {
			return "", err
		}
		service := alert.Service
		if service == "" {
			service = "the affected service"
		}
		return fmt.Sprintf(
			"Proposed remediation: restart %s with an increased connection pool ceiling and enable request shedding at the ingress.",
			service), nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package tdac

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// ClockCheck estimates local clock skew from reliable HTTP Date headers.
// Arrival-card windows are validated server-side against calendar dates, so
// a badly skewed clock is worth a loud warning before any submission starts.
// The result is diagnostic only and never changes pipeline behavior.
type ClockCheck struct {
	offset    time.Duration
	checked   bool
	debugMode bool
}

func NewClockCheck(debugMode bool) *ClockCheck {
	return &ClockCheck{debugMode: debugMode}
}

// Sync probes multiple reference hosts and averages the observed offsets.
func (cc *ClockCheck) Sync(ctx context.Context) error {
	servers := []string{
		"https://www.google.com",
		"https://www.cloudflare.com",
		"https://www.amazon.com",
	}

	var totalOffset time.Duration
	successCount := 0

	for _, server := range servers {
		offset, err := cc.probeOffset(ctx, server)
		if err != nil {
			if cc.debugMode {
				log.Printf("[clock] probe failed for %s: %v", server, err)
			}
			continue
		}

		totalOffset += offset
		successCount++
	}

	if successCount == 0 {
		return fmt.Errorf("failed to probe clock offset against any reference host")
	}

	cc.offset = totalOffset / time.Duration(successCount)
	cc.checked = true

	if cc.debugMode {
		log.Printf("[clock] average offset: %v", cc.offset)
	}

	return nil
}

func (cc *ClockCheck) probeOffset(ctx context.Context, url string) (time.Duration, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	beforeRequest := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	afterRequest := time.Now()

	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		return 0, fmt.Errorf("no Date header in response")
	}

	serverTime, err := http.ParseTime(dateHeader)
	if err != nil {
		return 0, fmt.Errorf("failed to parse Date header: %w", err)
	}

	// Round trip / 2 approximates the one-way latency.
	latency := afterRequest.Sub(beforeRequest) / 2
	localTime := beforeRequest.Add(latency)

	return serverTime.Sub(localTime), nil
}

// Offset returns the measured skew; zero when Sync never succeeded.
func (cc *ClockCheck) Offset() time.Duration {
	return cc.offset
}

// Skewed reports whether the measured offset exceeds the threshold.
func (cc *ClockCheck) Skewed(threshold time.Duration) bool {
	if !cc.checked {
		return false
	}
	if cc.offset < 0 {
		return -cc.offset > threshold
	}
	return cc.offset > threshold
}

package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Pinger is implemented by collaborators that can cheaply prove reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger to a Checker.
func PingCheck(p Pinger) Checker {
	return CheckFunc(func(ctx context.Context) error {
		if p == nil {
			return fmt.Errorf("dependency not configured")
		}
		return p.Ping(ctx)
	})
}

// HTTPCheck issues a GET against url and expects a 2xx answer.
func HTTPCheck(url string, client *http.Client) Checker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return CheckFunc(func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%s returned %s", url, resp.Status)
		}
		return nil
	})
}

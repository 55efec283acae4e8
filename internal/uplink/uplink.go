// Package uplink checks that the gateway actually has internet
// reachability before a firmware download starts, by asking a STUN
// server for a binding. A mesh gateway behind a dead uplink fails fast
// here instead of burning download retries.
package uplink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// DefaultTimeout bounds a single STUN exchange.
const DefaultTimeout = 5 * time.Second

// Check probes the given STUN servers in order and returns nil as soon
// as one answers with a mapped address.
func Check(ctx context.Context, servers []string, timeout time.Duration) error {
	if len(servers) == 0 {
		return fmt.Errorf("no STUN servers configured")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var lastErr error
	for _, server := range servers {
		if _, err := probeServer(ctx, server, timeout); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("uplink probe failed: %w", lastErr)
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

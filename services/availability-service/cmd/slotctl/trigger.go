package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/auth"
	"github.com/md-rashed-zaman/slotengine/libs/config"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type triggerOptions struct {
	url      string
	secret   string
	tenantID string
	staffID  string
	horizon  int
	wait     bool
	bearer   bool
	timeout  time.Duration
}

// newTriggerCommand calls the batch endpoint of a running service; it is what a cron job
// runs.
func newTriggerCommand() *cobra.Command {
	var opts triggerOptions
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running service to recalculate availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.secret == "" {
				opts.secret = config.String("BATCH_SHARED_SECRET", "")
			}
			if opts.secret == "" {
				return fmt.Errorf("--secret or BATCH_SHARED_SECRET is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			body, err := trigger(ctx, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}, opts)
			if err != nil {
				return err
			}
			cmd.Println(strings.TrimSpace(string(body)))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", config.String("AVAILABILITY_URL", "http://localhost:8090"), "service base URL")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "batch shared secret (default: BATCH_SHARED_SECRET)")
	cmd.Flags().StringVar(&opts.tenantID, "tenant", "", "tenant id (default: all tenants)")
	cmd.Flags().StringVar(&opts.staffID, "staff", "", "staff id")
	cmd.Flags().IntVar(&opts.horizon, "horizon", 0, "days ahead to generate")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "block until the run finishes and print its summary")
	cmd.Flags().BoolVar(&opts.bearer, "bearer", false, "send a short-lived scheduler token instead of the raw secret")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Minute, "request timeout")
	return cmd
}

func trigger(ctx context.Context, client *http.Client, opts triggerOptions) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"tenant_id":    opts.tenantID,
		"staff_id":     opts.staffID,
		"horizon_days": opts.horizon,
		"wait":         opts.wait,
	})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(opts.url, "/") + "/api/v1/internal/availability/recalculate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.bearer {
		now := time.Now()
		token, err := auth.SignHS256(auth.Claims{
			Sub:      "slotctl",
			TenantID: opts.tenantID,
			Role:     auth.RoleScheduler,
			Iat:      now.Unix(),
			Exp:      now.Add(5 * time.Minute).Unix(),
		}, opts.secret)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set(auth.SecretHeader, opts.secret)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return body, fmt.Errorf("recalculate returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type submitOptions struct {
	addr      string
	apiKey    string
	target    string
	year      int
	dataTypes []string
	priority  int
	timeout   time.Duration
}

// newSubmitCmd posts a crawl request to a running server.
func newSubmitCmd() *cobra.Command {
	opts := submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Request a crawl from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return submit(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "http://localhost:8080", "server base URL")
	f.StringVar(&opts.apiKey, "api-key", "", "value for the X-API-Key header")
	f.StringVar(&opts.target, "target", "", "target key, e.g. netze-bw")
	f.IntVar(&opts.year, "year", time.Now().Year(), "tariff year")
	f.StringSliceVar(&opts.dataTypes, "data-type", nil, "netzentgelte, hlzf or all; repeatable")
	f.IntVar(&opts.priority, "priority", 5, "1 (highest) to 10")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func submit(cmd *cobra.Command, opts submitOptions) error {
	body, err := json.Marshal(map[string]any{
		"target_key": opts.target,
		"year":       opts.year,
		"data_types": opts.dataTypes,
		"priority":   opts.priority,
		"created_by": "cli",
	})
	if err != nil {
		return err
	}
	url := strings.TrimRight(opts.addr, "/") + "/v1/sessions"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.apiKey != "" {
		req.Header.Set("X-API-Key", opts.apiKey)
	}
	resp, err := (&http.Client{Timeout: opts.timeout}).Do(req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("submit: %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(payload)))
	return err
}

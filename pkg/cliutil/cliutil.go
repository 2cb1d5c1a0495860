// Package cliutil holds the small pieces of behavior shared by the
// shdc-hub and shdc-sensor command-line entry points: talking to a
// running process's loopback status feed, and picking a zap log level
// from a --debug flag.
package cliutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap/zapcore"
)

// LoggingLevel returns debug-level if debug is set, info-level otherwise.
func LoggingLevel(debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// FetchJSON GETs url, pretty-prints the JSON response to stdout, and
// returns any transport or decode error.
func FetchJSON(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()

	var payload interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

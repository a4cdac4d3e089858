// Package backend validates the backend-as-a-service credentials at startup.
// No request path uses the client; it exists as a configuration self-check.
package backend

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/supabase-community/supabase-go"

	appbuilder "github.com/Paranoid-AF/appbuilder"
	"github.com/Paranoid-AF/appbuilder/negotiate"
)

// Check creates a Supabase client from the resolved credentials.
// Missing or invalid credentials yield a negotiate.ConfigurationError.
func Check(cfg *appbuilder.Config) (*supabase.Client, error) {
	rawURL := appbuilder.ResolveBackendURL(cfg)
	key := appbuilder.ResolveBackendAnonKey(cfg)
	if rawURL == "" || key == "" {
		return nil, negotiate.NewError(negotiate.ConfigurationError, "Supabase URL or Key not found in environment variables", nil)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, negotiate.NewError(negotiate.ConfigurationError, "invalid Supabase URL", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, negotiate.NewError(negotiate.ConfigurationError, "invalid Supabase URL",
			fmt.Errorf("expected http(s)://host, got %q", rawURL))
	}

	client, err := supabase.NewClient(rawURL, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, negotiate.NewError(negotiate.ConfigurationError, "failed to create Supabase client", err)
	}
	return client, nil
}

// CheckAndLog runs Check and logs the outcome. It never fails the caller.
func CheckAndLog(cfg *appbuilder.Config) bool {
	if _, err := Check(cfg); err != nil {
		slog.Warn("Supabase client not initialized", "error", err)
		return false
	}
	slog.Info("Successfully connected to Supabase.")
	return true
}

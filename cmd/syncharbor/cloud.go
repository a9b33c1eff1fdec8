package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/oauth2/microsoft"

	"github.com/syncharbor/syncharbor/internal/cloudapi"
	"github.com/syncharbor/syncharbor/internal/cloudapi/dropboxlike"
	"github.com/syncharbor/syncharbor/internal/cloudapi/graphlike"
	"github.com/syncharbor/syncharbor/internal/config"
	"github.com/syncharbor/syncharbor/internal/index"
	"github.com/syncharbor/syncharbor/internal/syncmanager"
)

const (
	providerGraphlike   = "graphlike"
	providerDropboxlike = "dropboxlike"

	graphBaseURL          = "https://graph.microsoft.com/v1.0"
	dropboxRPCBaseURL     = "https://api.dropboxapi.com/2"
	dropboxContentBaseURL = "https://content.dropboxapi.com/2"
)

var graphScopes = []string{"Files.ReadWrite.All", "offline_access"}
var dropboxScopes = []string{"files.content.write", "files.content.read", "files.metadata.read"}

// oauthConfigFor builds the oauth2.Config a cloud's token source refreshes
// through. ClientID/ClientSecret come from the bootstrap file; the
// authorization endpoint and scopes are fixed per provider type.
func oauthConfigFor(cb config.CloudBootstrap) (*oauth2.Config, error) {
	switch cb.Type {
	case providerGraphlike:
		return &oauth2.Config{
			ClientID:     cb.ClientID,
			ClientSecret: cb.ClientSecret,
			Scopes:       graphScopes,
			Endpoint:     microsoft.AzureADEndpoint("common"),
		}, nil
	case providerDropboxlike:
		return &oauth2.Config{
			ClientID:     cb.ClientID,
			ClientSecret: cb.ClientSecret,
			Scopes:       dropboxScopes,
			Endpoint:     endpoints.Dropbox,
		}, nil
	default:
		return nil, fmt.Errorf("cloud %q: unknown provider type %q", cb.Name, cb.Type)
	}
}

// buildCloudHandle constructs the cloudapi.Adapter for one enrolled cloud
// and wraps it in a syncmanager.CloudHandle. The adapter is only given a
// refreshing TokenSource; acquiring the first token is the `auth`-style
// login flow, out of scope for the daemon itself.
func buildCloudHandle(ctx context.Context, cb config.CloudBootstrap, logger *slog.Logger) (*syncmanager.CloudHandle, error) {
	oauthCfg, err := oauthConfigFor(cb)
	if err != nil {
		return nil, err
	}

	token, err := cloudapi.TokenSourceFromPath(ctx, cb.TokenFile, oauthCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("cloud %q: loading token: %w", cb.Name, err)
	}

	addressing := index.AddressingParentID
	if cb.Addressing == string(index.AddressingPath) {
		addressing = index.AddressingPath
	}

	var adapter cloudapi.Adapter

	switch cb.Type {
	case providerGraphlike:
		adapter = graphlike.New(ctx, graphlike.Config{
			CloudID:    cb.Name,
			BaseURL:    graphBaseURL,
			HTTPClient: transferHTTPClient(),
			Token:      token,
			Logger:     logger.With(slog.String("cloud", cb.Name)),
		})
	case providerDropboxlike:
		adapter = dropboxlike.New(ctx, dropboxlike.Config{
			CloudID:        cb.Name,
			RPCBaseURL:     dropboxRPCBaseURL,
			ContentBaseURL: dropboxContentBaseURL,
			HTTPClient:     transferHTTPClient(),
			Token:          token,
			Logger:         logger.With(slog.String("cloud", cb.Name)),
		})
	default:
		return nil, fmt.Errorf("cloud %q: unknown provider type %q", cb.Name, cb.Type)
	}

	return &syncmanager.CloudHandle{
		ID:         cb.Name,
		Adapter:    adapter,
		Addressing: addressing,
	}, nil
}

// bootstrapCloudConfigs ensures every enrolled cloud in cfg has a
// CloudConfig row in the index, creating one for any cloud seen for the
// first time. Pre-existing rows are left untouched so InitialSyncDone and
// DeltaToken survive across restarts.
func bootstrapCloudConfigs(ctx context.Context, store *index.Store, cfg *config.Config, nowUnix int64) error {
	for _, cb := range cfg.Clouds {
		if !cb.Enabled {
			continue
		}

		addressing := index.AddressingParentID
		if cb.Addressing == string(index.AddressingPath) {
			addressing = index.AddressingPath
		}

		if _, err := store.GetCloudConfig(ctx, cb.Name); err == nil {
			continue
		} else if !errors.Is(err, index.ErrNotFound) {
			return fmt.Errorf("cloud %q: checking existing config: %w", cb.Name, err)
		}

		if err := store.CreateCloudConfig(ctx, &index.CloudConfig{
			CloudID:     cb.Name,
			Provider:    cb.Type,
			DisplayName: cb.Name,
			RootPath:    cb.RootPath,
			Addressing:  addressing,
			CreatedUnix: nowUnix,
		}); err != nil {
			return fmt.Errorf("cloud %q: seeding config row: %w", cb.Name, err)
		}
	}

	return nil
}

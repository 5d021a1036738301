// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package storefront resolves app ids to display names and artwork
// through the public store API. Results are cached on disk because the
// apply-to-downloads pass revisits the same apps on every run.
package storefront

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default error class for the storefront package.
	Error = errs.Class("storefront")

	mon = monkit.Package()
)

// Info is what the store knows about an app.
type Info struct {
	AppID          uint32 `json:"appId"`
	Name           string `json:"name"`
	HeaderImageURL string `json:"headerImage"`
}

// API answers app lookups. The second return is false when the store
// does not know the app.
type API interface {
	GameInfo(ctx context.Context, appID uint32) (Info, bool, error)
}

// Config configures the store client.
type Config struct {
	BaseURL        string        `help:"base url of the store details endpoint" default:"https://store.steampowered.com/api/appdetails"`
	RequestTimeout time.Duration `help:"timeout per store request" default:"15s"`
}

// Client queries the store over HTTP.
//
// architecture: Client
type Client struct {
	log    *zap.Logger
	config Config
	http   http.Client
}

// NewClient creates a store client.
func NewClient(log *zap.Logger, config Config) *Client {
	return &Client{
		log:    log,
		config: config,
		http: http.Client{
			Timeout: config.RequestTimeout,
		},
	}
}

// detailsResponse is the wire shape: a map keyed by the requested app
// id.
type detailsResponse map[string]struct {
	Success bool `json:"success"`
	Data    struct {
		Name        string `json:"name"`
		HeaderImage string `json:"header_image"`
	} `json:"data"`
}

// GameInfo implements API.
func (client *Client) GameInfo(ctx context.Context, appID uint32) (_ Info, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	url := fmt.Sprintf("%s?appids=%d", client.config.BaseURL, appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Info{}, false, Error.Wrap(err)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return Info{}, false, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(resp.Body.Close())) }()

	if resp.StatusCode != http.StatusOK {
		return Info{}, false, Error.New("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Info{}, false, Error.Wrap(err)
	}

	var details detailsResponse
	if err := json.Unmarshal(body, &details); err != nil {
		return Info{}, false, Error.Wrap(err)
	}

	entry, ok := details[strconv.FormatUint(uint64(appID), 10)]
	if !ok || !entry.Success || entry.Data.Name == "" {
		return Info{}, false, nil
	}
	return Info{
		AppID:          appID,
		Name:           entry.Data.Name,
		HeaderImageURL: entry.Data.HeaderImage,
	}, true, nil
}

package ircam

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/config"
)

// Client talks to the IRCAM Amplify API: credential refresh, object storage,
// and spatialization job submit/poll. A single client is shared by all
// request handlers; the cached token is the only mutable state.
type Client struct {
	httpClient   *http.Client
	apiURL       string
	storageURL   string
	clientID     string
	clientSecret string

	validity     time.Duration
	pollInterval time.Duration
	maxAttempts  int

	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	token Token
}

// New builds a client from config. The zero token forces a refresh on first use.
func New(cfg config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	validity := cfg.TokenValidity
	if validity == 0 {
		validity = 30 * time.Minute
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		apiURL:       cfg.IrcamAPIURL,
		storageURL:   cfg.IrcamStorageURL,
		clientID:     cfg.IrcamClientID,
		clientSecret: cfg.IrcamClientSecret,
		validity:     validity,
		pollInterval: interval,
		maxAttempts:  cfg.PollMaxAttempts,
		now:          time.Now,
		logger:       logger,
	}
}

package rest

import (
	"net/http"
	"time"

	"regimebot/internal/logger"
)

const defaultCategory = "linear"

type Client struct {
	baseURL     string
	accountType string
	category    string
	apiKey      string
	secret      string
	recvWindow  string
	httpClient  *http.Client
	log         *logger.Logger
	now         func() time.Time
}

func New(baseURL, apiKey, secret, accountType string, log *logger.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		accountType: accountType,
		category:    defaultCategory,
		apiKey:      apiKey,
		secret:      secret,
		recvWindow:  "5000",
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
		now: time.Now,
	}
}

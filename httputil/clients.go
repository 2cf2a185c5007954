package httputil

import (
	"net/http"
	"net/url"
	"time"

	"listing_ledger/logging"
)

type Clients struct {
	Photos *http.Client // proxied when PROXY_URL is set
}

// NewClients builds the outbound clients. An unparsable proxyURL is logged
// and ignored.
func NewClients(proxyURL string, timeout time.Duration) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 8

	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil && parsed.Host != "" {
			transport.Proxy = http.ProxyURL(parsed)
			logging.Logger.Infof("Photo client using proxy: %s", parsed.Host)
		} else {
			logging.Logger.Warnf("Ignoring invalid PROXY_URL %q", proxyURL)
		}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Clients{
		Photos: &http.Client{
			// Per-attempt deadlines come from the caller's context; this caps a stuck body read
			Timeout:   2 * timeout,
			Transport: transport,
		},
	}
}

package httputil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"zonaprop_scrooper/config"
)

const maxRedirects = 5

// Clients holds the HTTP clients used against the listing site.
type Clients struct {
	Scraping *http.Client // proxied when PROXY_URL is set
}

func NewClients(proxyCfg *config.ProxyConfig, timeout time.Duration) *Clients {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	proxy := http.ProxyFromEnvironment
	if proxyCfg != nil && proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			proxy = http.ProxyURL(proxyURL)
		}
	}

	transport := &http.Transport{
		Proxy:               proxy,
		ForceAttemptHTTP2:   false,
		TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
		MaxIdleConnsPerHost: 10,
	}

	scraping := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &Clients{Scraping: scraping}
}

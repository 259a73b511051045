package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goodcitizen/dispatch2/internal/logging"
)

// Client performs one outbound HTTP call per delivery attempt. Retry policy
// lives with the poller/store, never here.
type Client struct {
	timeout time.Duration
	log     *logging.Logger
}

func NewClient(timeout time.Duration, log *logging.Logger) *Client {
	if log == nil {
		log = logging.New("dispatch2-client")
	}
	return &Client{timeout: timeout, log: log}
}

// Deliver posts the payload to the destination and returns the response body.
// A nil error means a response was received, whatever its HTTP status; the
// classifier decides what the body means. An error means the destination is
// unreachable (connect failure, timeout, TLS failure).
func (c *Client) Deliver(ctx context.Context, payload []byte, ctype string, dest ServerConfig, bodyIsQueryParam bool) ([]byte, error) {
	method := http.MethodPost
	if strings.EqualFold(dest.HTTPMethod, http.MethodGet) {
		method = http.MethodGet
	}

	url := dest.URL
	var body io.Reader
	if bodyIsQueryParam {
		// payload rides on the URL, request carries no body
		if strings.Contains(url, "?") {
			url += string(payload)
		} else {
			url += "?" + string(payload)
		}
	} else {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", dest.Name, err)
	}
	if strings.Contains(strings.ToLower(ctype), "json") {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "application/xml")
	}
	req.SetBasicAuth(dest.Username, dest.Password)

	httpClient := &http.Client{Timeout: c.timeout}
	if dest.UseSSL && dest.SSLClientCertKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(dest.SSLClientCertKeyFile, dest.SSLClientCertKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert %s: %w", dest.SSLClientCertKeyFile, err)
		}
		c.log.Plain().WithServer(dest.Name).
			WithField("certkey_file", dest.SSLClientCertKeyFile).
			Debug("using HTTPS client with certificate")
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver to %s: %w", dest.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", dest.Name, err)
	}
	c.log.Plain().WithServer(dest.Name).
		WithField("http_status", resp.StatusCode).
		WithField("response_bytes", len(respBody)).
		Debug("delivery response received")
	return respBody, nil
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package synthetics schedules and runs HTTP and TLS probes against
// configured endpoints, classifies the outcomes, and drives the alert
// lifecycle and SSL expiry reminders.
package synthetics

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/soothill/fleetwatch/model"
)

// maxBodyBytes bounds how much of a probe response is read for the
// body matcher.
const maxBodyBytes = 1 << 20

// httpOutcome is the raw result of one HTTP probe.
type httpOutcome struct {
	err            error
	statusCode     int
	body           string
	responseTimeMS int64
}

// sslOutcome is the raw result of one TLS handshake probe.
type sslOutcome struct {
	err      error
	notAfter time.Time
}

// runHTTPProbe performs the check's HTTP request, timing wall clock from
// request start to the end of the body read.
func runHTTPProbe(ctx context.Context, c *model.SyntheticCheck) httpOutcome {
	method := c.Method
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.ProbeTimeout())
	defer cancel()

	var body io.Reader
	if c.Body != "" {
		body = strings.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.URL, body)
	if err != nil {
		return httpOutcome{err: err}
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: c.ProbeTimeout()}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return httpOutcome{err: err, responseTimeMS: time.Since(start).Milliseconds()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return httpOutcome{err: err, statusCode: resp.StatusCode, responseTimeMS: elapsed}
	}
	return httpOutcome{statusCode: resp.StatusCode, body: string(raw), responseTimeMS: elapsed}
}

// runSSLProbe opens a TLS connection with SNI set to the check's host
// and reports the leaf certificate's expiry. The probe timeout bounds
// both connect and handshake.
func runSSLProbe(_ context.Context, c *model.SyntheticCheck) sslOutcome {
	u, err := url.Parse(c.URL)
	if err != nil || u.Hostname() == "" {
		return sslOutcome{err: fmt.Errorf("invalid probe url %q", c.URL)}
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	dialer := &net.Dialer{Timeout: c.ProbeTimeout()}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return sslOutcome{err: err}
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return sslOutcome{err: fmt.Errorf("no peer certificate presented")}
	}
	return sslOutcome{notAfter: certs[0].NotAfter}
}

// matchBody applies the response matcher. A regex that does not compile
// is a configuration error, reported so the probe can fail loudly rather
// than silently pass.
func matchBody(m *model.ResponseMatch, body string) (bool, error) {
	switch m.Type {
	case model.MatchContains:
		return strings.Contains(body, m.Value), nil
	case model.MatchExact:
		return body == m.Value, nil
	case model.MatchRegex:
		re, err := regexp.Compile(m.Value)
		if err != nil {
			return false, err
		}
		return re.MatchString(body), nil
	default:
		return false, fmt.Errorf("unknown match type %q", m.Type)
	}
}

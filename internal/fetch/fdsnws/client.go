// Package fdsnws downloads station topology from FDSN station web services
// (text format, channel level).
package fdsnws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stationdb/internal/stationdb"
	logx "stationdb/pkg/logx"
)

const (
	DefaultUserAgent = "stationdb"
	// maxBody bounds one response; channel level catalogs of large services are tens of MB.
	maxBody = 256 << 20
)

type Config struct {
	// RequestsPerSec paces requests per host; 0 disables pacing.
	RequestsPerSec float64
	UserAgent      string
	// DefaultTimeout applies to sources without a timeout of their own.
	DefaultTimeout time.Duration
}

// Client implements stationdb.CatalogFetcher.
type Client struct {
	http    *http.Client
	log     logx.Logger
	maxBody int64

	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{},
		log:      logx.Nop(),
		maxBody:  maxBody,
		limiters: map[string]*rate.Limiter{},
		now:      time.Now,
	}
	c.cfg = normalize(cfg)
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.Component("fdsnws")
	return c
}

func normalize(cfg Config) Config {
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = stationdb.DefaultCatalogTimeout
	}
	if cfg.RequestsPerSec < 0 {
		cfg.RequestsPerSec = 0
	}
	return cfg
}

// Apply swaps the configuration; pacing state restarts.
func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = normalize(cfg)
	c.limiters = map[string]*rate.Limiter{}
	c.mu.Unlock()
}

func (c *Client) limiter(host string) (*rate.Limiter, Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.cfg
	if cfg.RequestsPerSec <= 0 {
		return nil, cfg
	}
	lim := c.limiters[host]
	if lim == nil {
		burst := max(int(cfg.RequestsPerSec), 1)
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
		c.limiters[host] = lim
	}
	return lim, cfg
}

// FetchCatalog downloads the operating channels of src.
//
// Network descriptions and site names come from separate network and station
// level queries; failures of those are logged and ignored.
func (c *Client) FetchCatalog(ctx context.Context, src *stationdb.CatalogSource) ([]stationdb.DiscoveredNetwork, error) {
	base, err := url.Parse(strings.TrimSpace(src.URL))
	if err != nil || base.Host == "" {
		return nil, &stationdb.ProtocolError{UserMessage: "Invalid URL", Err: err}
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	_, cfg := c.limiter(base.Host)
	timeout := src.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := c.log.With(logx.String("source", src.Name))
	start := time.Now()

	body, err := c.get(ctx, base, "channel")
	if err != nil {
		return nil, err
	}
	chans, err := parseChannels(body, c.now())
	if err != nil {
		return nil, &stationdb.ProtocolError{UserMessage: "Invalid response", Err: err}
	}

	var (
		nets  map[string]string
		sites map[stationRef]stationRow
	)
	if b, err := c.get(ctx, base, "network"); err == nil {
		if nets, err = parseNetworks(b); err != nil {
			log.Debug("fdsnws.network.parse_failed", logx.Err(err))
		}
	} else {
		log.Debug("fdsnws.network.fetch_failed", logx.Err(err))
	}
	if b, err := c.get(ctx, base, "station"); err == nil {
		if sites, err = parseStations(b, c.now()); err != nil {
			log.Debug("fdsnws.station.parse_failed", logx.Err(err))
		}
	} else {
		log.Debug("fdsnws.station.fetch_failed", logx.Err(err))
	}

	out := assemble(chans, nets, sites)
	log.Debug("fdsnws.fetch.done",
		logx.Int("networks", len(out)),
		logx.Int("channels", len(chans)),
		logx.Int("bytes", len(body)),
		logx.Duration("took", time.Since(start)),
	)
	return out, nil
}

func (c *Client) get(ctx context.Context, base *url.URL, level string) ([]byte, error) {
	u := *base
	u.Path += "query"
	q := url.Values{}
	q.Set("level", level)
	q.Set("format", "text")
	u.RawQuery = q.Encode()

	lim, cfg := c.limiter(base.Host)
	if lim != nil {
		// Wait fails early when the next slot lies beyond the deadline.
		if err := lim.Wait(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, err
			}
			return nil, &stationdb.TimeoutError{Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, &stationdb.ProtocolError{UserMessage: "No data"}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &stationdb.ProtocolError{UserMessage: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, classify(ctx, err)
	}
	if int64(len(b)) > c.maxBody {
		return nil, &stationdb.ProtocolError{
			UserMessage: "Response too large",
			Err:         fmt.Errorf("%s response exceeds %d bytes", level, c.maxBody),
		}
	}
	return b, nil
}

// classify maps transport failures onto the stationdb error kinds.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &stationdb.TimeoutError{Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &stationdb.TimeoutError{Err: err}
	}
	if ctx.Err() != nil {
		return err
	}
	return &stationdb.ConnectivityError{Err: err}
}

// Package health probes registered webhook endpoints in the background.
// A subscription whose endpoint stays unreachable past the failure
// threshold is deactivated, so dead endpoints stop burning delivery
// retries.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinelchain/sentinel/internal/webhooks"
)

// Config holds probe configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// SubscriptionLister returns the subscriptions to probe.
type SubscriptionLister interface {
	List(ctx context.Context) ([]*webhooks.Subscription, error)
}

// SubscriptionDeactivator flips a subscription's active flag.
type SubscriptionDeactivator interface {
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// Checker runs periodic endpoint reachability probes.
type Checker struct {
	lister      SubscriptionLister
	deactivator SubscriptionDeactivator
	httpClient  *http.Client
	cfg         Config
	logger      *zap.Logger

	mu         sync.Mutex
	failCounts map[uuid.UUID]int
}

// New creates a Checker. Zero config fields select defaults: a 5 minute
// interval, 10 second probe timeout and 3 consecutive failures before
// deactivation.
func New(lister SubscriptionLister, deactivator SubscriptionDeactivator, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		lister:      lister,
		deactivator: deactivator,
		httpClient:  &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:         cfg,
		logger:      logger,
		failCounts:  make(map[uuid.UUID]int),
	}
}

// Start blocks, probing on the configured interval until ctx is done.
// Run it on its own goroutine.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	c.logger.Info("webhook endpoint prober started",
		zap.Duration("interval", c.cfg.CheckInterval),
		zap.Int("fail_threshold", c.cfg.FailThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce probes every active subscription a single time.
func (c *Checker) RunOnce(ctx context.Context) {
	subs, err := c.lister.List(ctx)
	if err != nil {
		c.logger.Error("health: list subscriptions", zap.Error(err))
		return
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		c.probe(ctx, sub)
	}
}

// probe issues one HEAD request. Any HTTP response counts as reachable;
// only connection-level failure counts against the endpoint, since many
// webhook receivers reject non-POST methods.
func (c *Checker) probe(ctx context.Context, sub *webhooks.Subscription) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodHead, sub.URL, nil)
	if err != nil {
		c.recordFailure(ctx, sub, err.Error())
		return
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure(ctx, sub, err.Error())
		return
	}
	resp.Body.Close()

	c.mu.Lock()
	delete(c.failCounts, sub.ID)
	c.mu.Unlock()
}

func (c *Checker) recordFailure(ctx context.Context, sub *webhooks.Subscription, reason string) {
	c.mu.Lock()
	c.failCounts[sub.ID]++
	count := c.failCounts[sub.ID]
	c.mu.Unlock()

	c.logger.Warn("webhook endpoint unreachable",
		zap.String("url", sub.URL),
		zap.Int("consecutive_failures", count),
		zap.String("reason", reason),
	)

	if count < c.cfg.FailThreshold {
		return
	}

	if err := c.deactivator.SetActive(ctx, sub.ID, false); err != nil {
		c.logger.Error("health: deactivate subscription", zap.Error(err))
		return
	}
	c.mu.Lock()
	delete(c.failCounts, sub.ID)
	c.mu.Unlock()
	c.logger.Warn("webhook subscription deactivated",
		zap.String("id", sub.ID.String()),
		zap.String("url", sub.URL),
	)
}

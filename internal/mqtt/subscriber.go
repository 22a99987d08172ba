package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/signinbridge/internal/actions"
)

// CommandHandler runs a presence request received over MQTT.
// Implementations must be safe for concurrent use.
type CommandHandler func(ctx context.Context, req actions.Request)

// handleMessage routes one inbound message. The global command topic
// carries a JSON request; an account's command topic carries a button
// payload such as "sign_in_office".
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if !p.limiter.allow() {
		return
	}

	p.logger.Debug("mqtt message received", "topic", topic, "payload_size", len(payload))

	var (
		req actions.Request
		err error
	)
	switch {
	case topic == p.globalCommandTopic():
		err = json.Unmarshal(payload, &req)
	default:
		seg, ok := p.commandSegment(topic)
		if !ok {
			p.logger.Debug("mqtt message on unexpected topic", "topic", topic)
			return
		}
		id, known := p.accountForSegment(seg)
		if !known {
			p.logger.Warn("mqtt command for unknown account", "topic", topic)
			return
		}
		req, err = actions.ParseCommand(id, string(payload))
	}
	if err != nil {
		p.logger.Warn("mqtt command rejected", "topic", topic, "error", err)
		return
	}

	if p.handler != nil {
		p.handler(ctx, req)
	}
}

// commandSegment extracts the account segment from
// "<base>/<segment>/command".
func (p *Publisher) commandSegment(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.cfg.BaseTopic+"/")
	if !ok {
		return "", false
	}
	seg, ok := strings.CutSuffix(rest, "/command")
	if !ok || seg == "" || strings.Contains(seg, "/") {
		return "", false
	}
	return seg, true
}

// accountForSegment maps a topic segment back to a registered account.
func (p *Publisher) accountForSegment(seg string) (string, bool) {
	for _, id := range p.accounts.IDs() {
		if topicSegment(id) == seg {
			return id, true
		}
	}
	return "", false
}

// topicSegment makes an account id safe for use as one topic level.
func topicSegment(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, id)
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

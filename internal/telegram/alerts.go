package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trafficmon/internal/analytics"
	"trafficmon/internal/pipeline"
)

const alertQueue = 32

func severityRank(s analytics.Severity) int {
	switch s {
	case analytics.SeverityMedium:
		return 1
	case analytics.SeverityHigh:
		return 2
	case analytics.SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Notifier forwards incidents from the event bus to a Telegram chat.
// Delivery happens on its own goroutine; a full queue drops alerts.
type Notifier struct {
	bot         *Bot
	cooldown    time.Duration
	minSeverity int

	mu       sync.Mutex
	lastSent map[string]time.Time

	queue     chan analytics.Incident
	sent      atomic.Uint64
	dropped   atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
}

// NewNotifier starts a notifier for config
func NewNotifier(config Config) *Notifier {
	n := &Notifier{
		bot:         NewBot(config),
		cooldown:    config.Cooldown,
		minSeverity: severityRank(config.MinSeverity),
		lastSent:    make(map[string]time.Time),
		queue:       make(chan analytics.Incident, alertQueue),
		done:        make(chan struct{}),
	}
	go n.run()
	return n
}

// Bot returns the underlying client
func (n *Notifier) Bot() *Bot {
	return n.bot
}

// OnResult implements pipeline.ResultHandler
func (n *Notifier) OnResult(result *pipeline.Result) {
	if result.Telemetry == nil {
		return
	}
	for _, inc := range result.Telemetry.Incidents {
		if severityRank(inc.Severity) < n.minSeverity || !n.allow(inc) {
			continue
		}
		select {
		case n.queue <- inc:
		default:
			n.dropped.Add(1)
		}
	}
}

// Dropped returns the number of alerts lost to a full queue
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// allow applies the per stream and type cooldown
func (n *Notifier) allow(inc analytics.Incident) bool {
	key := inc.StreamID + "/" + string(inc.Type)

	n.mu.Lock()
	defer n.mu.Unlock()

	if last, ok := n.lastSent[key]; ok && inc.Timestamp.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[key] = inc.Timestamp
	return true
}

func (n *Notifier) run() {
	defer close(n.done)
	for inc := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := n.send(ctx, inc); err != nil {
			log.Printf("[Telegram] Alert for %s on %s failed: %v", inc.Type, inc.StreamID, err)
		} else {
			n.sent.Add(1)
		}
		cancel()
	}
}

func (n *Notifier) send(ctx context.Context, inc analytics.Incident) error {
	caption := FormatIncident(inc)
	if photo := snapshotJPEG(inc.Snapshot); photo != nil {
		return n.bot.SendPhoto(ctx, photo, caption)
	}
	return n.bot.SendMessage(ctx, caption)
}

// Sent returns the number of delivered alerts
func (n *Notifier) Sent() uint64 {
	return n.sent.Load()
}

// Close stops accepting alerts and waits for queued ones to be sent
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.queue)
	})
	<-n.done
	if d := n.dropped.Load(); d > 0 {
		log.Printf("[Telegram] %d alerts dropped on a full queue", d)
	}
}

// FormatIncident renders the HTML caption of an incident alert
func FormatIncident(inc analytics.Incident) string {
	var b strings.Builder

	emoji := "🟡"
	switch inc.Severity {
	case analytics.SeverityHigh:
		emoji = "🟠"
	case analytics.SeverityCritical:
		emoji = "🔴"
	}

	name := inc.StreamName
	if name == "" {
		name = inc.StreamID
	}

	fmt.Fprintf(&b, "%s <b>%s</b> (%s)\n\n", emoji, html.EscapeString(string(inc.Type)), inc.Severity)
	fmt.Fprintf(&b, "📹 Stream: %s\n", html.EscapeString(name))
	if inc.Zone != "" {
		fmt.Fprintf(&b, "🛣 Zone: %s\n", html.EscapeString(inc.Zone))
	}
	fmt.Fprintf(&b, "🚗 Vehicles: %d (density %.2f)\n", inc.VehicleCount, inc.Density)
	fmt.Fprintf(&b, "🕐 Time: %s\n", inc.Timestamp.Format("2 Jan 2006, 15:04:05 MST"))
	if inc.Description != "" {
		fmt.Fprintf(&b, "\n%s", html.EscapeString(inc.Description))
	}
	return b.String()
}

// snapshotJPEG decodes the data URI of an incident crop
func snapshotJPEG(s *analytics.Snapshot) []byte {
	if s == nil || s.Data == "" {
		return nil
	}
	data := s.Data
	if i := strings.Index(data, ";base64,"); i >= 0 {
		data = data[i+len(";base64,"):]
	}
	photo, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil
	}
	return photo
}

var _ pipeline.ResultHandler = (*Notifier)(nil)

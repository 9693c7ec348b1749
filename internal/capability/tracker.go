// Package capability tracks which intervals the active provider plan
// actually serves. Detection is lazy: the tracker starts optimistic and
// narrows the moment the provider rejects an interval, so a tier mismatch
// degrades service within the same request instead of failing repeatedly.
package capability

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TimChild/papertrade-marketdata/pkg/models"
)

// snapshotTTL bounds how long a narrowed capability set is trusted. After
// expiry the tracker re-expands to the tier defaults, so a plan upgrade is
// picked up without a restart.
const snapshotTTL = 24 * time.Hour

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

func ParseTier(s string) Tier {
	if strings.EqualFold(s, string(TierPremium)) {
		return TierPremium
	}
	return TierFree
}

// tierDefaults is deliberately optimistic for both tiers: the upstream is
// the authority on what a plan includes, and a wrong guess here costs one
// rejected call, not a feature.
func tierDefaults(Tier) models.IntervalSet {
	return models.AllIntervals()
}

type Snapshot struct {
	Tier       Tier               `json:"tier"`
	Supported  models.IntervalSet `json:"supported_intervals"`
	DetectedAt time.Time          `json:"detected_at"`
}

type Tracker struct {
	tier   Tier
	ttl    time.Duration
	logger *logrus.Logger

	mu         sync.Mutex
	supported  models.IntervalSet
	detectedAt time.Time

	now func() time.Time
}

func NewTracker(tier Tier, logger *logrus.Logger) *Tracker {
	return &Tracker{
		tier:   tier,
		ttl:    snapshotTTL,
		logger: logger,
		now:    time.Now,
	}
}

// Supported returns the current capability set, re-expanding to the tier
// defaults when the snapshot has expired. The returned set is a copy.
func (t *Tracker) Supported() models.IntervalSet {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ensureFreshLocked()
	return t.supported.Clone()
}

// MarkUnsupported narrows the set after the provider rejected an interval.
// The daily interval is the guaranteed terminal fallback and is never
// removed.
func (t *Tracker) MarkUnsupported(interval models.Interval) {
	if interval == models.Interval1Day {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.ensureFreshLocked()
	if !t.supported.Has(interval) {
		return
	}

	t.supported.Remove(interval)
	t.detectedAt = t.now()
	t.logger.WithFields(logrus.Fields{
		"tier":      string(t.tier),
		"interval":  string(interval),
		"supported": t.supported.String(),
	}).Info("Narrowed provider capability")
}

// Refresh discards any narrowing and restores the tier defaults.
func (t *Tracker) Refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resetLocked()
	t.logger.WithFields(logrus.Fields{
		"tier":      string(t.tier),
		"supported": t.supported.String(),
	}).Info("Refreshed provider capability")
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ensureFreshLocked()
	return Snapshot{
		Tier:       t.tier,
		Supported:  t.supported.Clone(),
		DetectedAt: t.detectedAt,
	}
}

func (t *Tracker) ensureFreshLocked() {
	if t.supported == nil || t.now().Sub(t.detectedAt) >= t.ttl {
		t.resetLocked()
	}
}

func (t *Tracker) resetLocked() {
	t.supported = tierDefaults(t.tier)
	t.detectedAt = t.now()
}

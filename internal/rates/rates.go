// Package rates resolves the effective transmission rate between two
// pricing zones. Rates are effective-dated rows; the newest row whose
// effective_from is in the past wins. Lookups go through a local cache
// refreshed periodically so the settlement path avoids a query per trade.
package rates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-service/internal/model"
)

var ErrRateNotFound = errors.New("no effective zone rate")

const refreshTimeout = 30 * time.Second

type Table struct {
	db    *gorm.DB
	log   *logrus.Logger
	cache sync.Map // "from:to" -> model.ZoneRate
}

func NewTable(db *gorm.DB, log *logrus.Logger) *Table {
	return &Table{db: db, log: log}
}

// Lookup returns the rate effective now for the zone pair. Cache miss
// falls through to the database; an absent rate is a validation error
// the caller must not retry.
func (t *Table) Lookup(ctx context.Context, fromZone, toZone int) (*model.ZoneRate, error) {
	key := cacheKey(fromZone, toZone)
	if v, ok := t.cache.Load(key); ok {
		rate := v.(model.ZoneRate)
		return &rate, nil
	}

	rate, err := t.query(ctx, fromZone, toZone, time.Now())
	if err != nil {
		return nil, err
	}
	t.cache.Store(key, *rate)
	return rate, nil
}

func (t *Table) query(ctx context.Context, fromZone, toZone int, at time.Time) (*model.ZoneRate, error) {
	var rate model.ZoneRate
	err := t.db.WithContext(ctx).
		Where("from_zone = ? AND to_zone = ? AND effective_from <= ?", fromZone, toZone, at).
		Order("effective_from DESC").
		First(&rate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: zone pair %d->%d", ErrRateNotFound, fromZone, toZone)
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

// Refresh reloads the currently effective rate for every known zone pair
// and drops cached pairs that no longer resolve.
func (t *Table) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	type pair struct {
		FromZone int
		ToZone   int
	}
	var pairs []pair
	err := t.db.WithContext(ctx).
		Model(&model.ZoneRate{}).
		Distinct("from_zone", "to_zone").
		Find(&pairs).Error
	if err != nil {
		return fmt.Errorf("failed to list zone pairs: %w", err)
	}

	fresh := make(map[string]model.ZoneRate, len(pairs))
	for _, p := range pairs {
		rate, err := t.query(ctx, p.FromZone, p.ToZone, time.Now())
		if err != nil {
			if errors.Is(err, ErrRateNotFound) {
				continue
			}
			return err
		}
		fresh[cacheKey(p.FromZone, p.ToZone)] = *rate
	}

	t.cache.Range(func(k, _ interface{}) bool {
		if _, ok := fresh[k.(string)]; !ok {
			t.cache.Delete(k)
		}
		return true
	})
	for k, v := range fresh {
		t.cache.Store(k, v)
	}

	t.log.WithField("pairs", len(fresh)).Debug("zone rate cache refreshed")
	return nil
}

// Run refreshes the cache on a fixed interval until the context ends.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := t.Refresh(ctx); err != nil {
		t.log.WithError(err).Error("initial zone rate refresh failed")
	}

	for {
		select {
		case <-ctx.Done():
			t.log.Info("stopping zone rate refresher")
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.log.WithError(err).Error("zone rate refresh failed")
			}
		}
	}
}

func cacheKey(fromZone, toZone int) string {
	return fmt.Sprintf("%d:%d", fromZone, toZone)
}

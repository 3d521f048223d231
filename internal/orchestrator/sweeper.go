// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dvmagent/internal/metrics"
	"dvmagent/internal/store"
	"dvmagent/pkg/dvm"
)

// Sweeper periodically transitions stale unpaid jobs (WaitingPayment since
// longer than the payment timeout) to Expired.
type Sweeper struct {
	store    *store.Store
	timeout  time.Duration
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper builds a Sweeper that expires jobs older than timeout, checked
// every interval.
func NewSweeper(st *store.Store, timeout, interval time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: st, timeout: timeout, interval: interval, log: log}
}

// Run blocks, sweeping on a fixed interval until ctx is canceled. The
// first sweep runs immediately so jobs left waiting across a restart are
// expired without a full interval's delay.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	n, err := s.store.ExpireStale(ctx, s.timeout)
	if err != nil {
		s.log.Error("expiry_sweep_failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("expired_jobs", zap.Int("count", n))
	}
	s.refreshStateGauges(ctx)
}

func (s *Sweeper) refreshStateGauges(ctx context.Context) {
	for _, state := range []dvm.State{
		dvm.StateReceived, dvm.StateWaitingPayment, dvm.StateProcessing,
		dvm.StateCompleted, dvm.StateFailed, dvm.StateExpired,
	} {
		jobs, err := s.store.JobsInState(ctx, state)
		if err != nil {
			s.log.Warn("state_gauge_refresh_failed", zap.String("state", string(state)), zap.Error(err))
			continue
		}
		metrics.SetJobsByState(string(state), len(jobs))
	}
}

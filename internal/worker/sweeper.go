// Package worker はバックグラウンドで動く定期処理を提供する。
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// SlotSweeper はボリュームライセンスのタイムアウトしたスロットを解放する。
type SlotSweeper interface {
	ActiveTenants(ctx context.Context) ([]string, error)
	ActiveLicenses(ctx context.Context, tenantID string) ([]string, error)
	SweepLicense(ctx context.Context, tenantID, volumetricID string, now time.Time) (int, error)
}

// ActivationSweeper はハートビートが途絶えたアクティベーションを解除する。
type ActivationSweeper interface {
	ActiveTenants(ctx context.Context) ([]string, error)
	SweepStale(ctx context.Context, tenantID string, now time.Time) (int, error)
}

// Result は1回のスイープの結果。
type Result struct {
	SlotsReleased    int
	ActivationsEnded int
	Failed           int
}

// Sweeper はテナントを横断してスロットとアクティベーションを定期的に掃除する。
type Sweeper struct {
	slots       SlotSweeper
	activations ActivationSweeper
	interval    time.Duration
	concurrency int
	now         func() time.Time
}

// NewSweeper は新しいSweeperを生成する。concurrencyは同時に処理するライセンス数の上限。
func NewSweeper(slots SlotSweeper, activations ActivationSweeper, interval time.Duration, concurrency int) *Sweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Sweeper{
		slots:       slots,
		activations: activations,
		interval:    interval,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run はctxがキャンセルされるまでintervalごとにスイープする。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "sweeper started", "interval", s.interval.String(), "concurrency", s.concurrency)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "sweeper stopped")
			return
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				slog.ErrorContext(ctx, "failed to run sweep",
					"operation", "sweep",
					"error", err,
				)
				continue
			}
			if res.SlotsReleased > 0 || res.ActivationsEnded > 0 || res.Failed > 0 {
				slog.InfoContext(ctx, "sweep completed",
					"slots_released", res.SlotsReleased,
					"activations_ended", res.ActivationsEnded,
					"failed", res.Failed,
				)
			}
		}
	}
}

// RunOnce は1回分のスイープを実行する。個々のライセンスの失敗は記録して処理を続け、
// テナント一覧の取得に失敗した場合のみエラーを返す。
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	now := s.now()

	slotTenants, err := s.slots.ActiveTenants(ctx)
	if err != nil {
		return Result{}, err
	}
	activationTenants, err := s.activations.ActiveTenants(ctx)
	if err != nil {
		return Result{}, err
	}

	var released, ended, failed atomic.Int64
	var listErrs []error

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, tenantID := range slotTenants {
		ids, err := s.slots.ActiveLicenses(ctx, tenantID)
		if err != nil {
			listErrs = append(listErrs, err)
			continue
		}
		for _, id := range ids {
			g.Go(func() error {
				n, err := s.slots.SweepLicense(ctx, tenantID, id, now)
				if err != nil {
					failed.Add(1)
					return nil
				}
				released.Add(int64(n))
				return nil
			})
		}
	}
	for _, tenantID := range activationTenants {
		g.Go(func() error {
			n, err := s.activations.SweepStale(ctx, tenantID, now)
			if err != nil {
				failed.Add(1)
			}
			ended.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		SlotsReleased:    int(released.Load()),
		ActivationsEnded: int(ended.Load()),
		Failed:           int(failed.Load()) + len(listErrs),
	}
	for _, err := range listErrs {
		slog.ErrorContext(ctx, "failed to list volumetric licenses",
			"operation", "sweep",
			"error", err,
		)
	}
	return res, ctx.Err()
}

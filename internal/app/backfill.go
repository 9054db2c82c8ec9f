package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-signals/internal/discovery"
	"ledger-signals/internal/extract"
	"ledger-signals/internal/fetcher"
	"ledger-signals/internal/ledger"
	"ledger-signals/internal/storage"
)

// Backfill walks an address's history page by page and stores the extracted
// sub-events. Reruns are idempotent.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if err := ledger.ValidateAddress(opts.Address); err != nil {
		return err
	}
	if opts.Pages <= 0 {
		return errors.New("--pages must be greater than zero")
	}

	var store *storage.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		var closeStore func()
		var err error
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		if closeStore != nil {
			defer closeStore()
		}
	}

	src, closeSrc, err := a.newSource()
	if err != nil {
		return err
	}
	defer closeSrc()

	dopts := discovery.Options{PageSize: a.Config.Discovery.PageSize, MaxPages: opts.Pages}
	if opts.Since > 0 {
		dopts.Since = time.Now().Add(-opts.Since)
	}
	pager := discovery.NewPager(src, opts.Address, dopts)
	extractor := extract.Default()

	var entries, events, inserted int
	var failures []*fetcher.FetchError
	for {
		page, more, err := pager.Next(ctx)
		if err != nil {
			a.Logger.Error().Err(err).Int("pages", pager.Pages()).Msg("回填中断")
			return err
		}

		ids := make([]ledger.Identifier, 0, len(page))
		for _, e := range page {
			if !e.Failed {
				ids = append(ids, e.ID)
			}
		}
		results := fetcher.Resolve(ctx, src, ids, a.Config.Fetcher.Concurrency)
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, fe := range fetcher.Errors(ids, results) {
			a.Logger.Error().Err(fe).Str("record", fe.ID.String()).Msg("回填失败")
			failures = append(failures, fe)
		}

		var records []storage.SubEventRecord
		for _, o := range fetcher.Ordered(ids, results) {
			if o.Err != nil {
				continue
			}
			for _, ev := range extractor.Extract(o.Record) {
				records = append(records, storage.NewSubEventRecord(opts.Address, ev))
			}
		}
		entries += len(page)
		events += len(records)

		if store != nil && len(records) > 0 {
			n, err := store.InsertSubEvents(ctx, records)
			if err != nil {
				return fmt.Errorf("store page %d: %w", pager.Pages(), err)
			}
			inserted += int(n)
		}
		a.Logger.Info().Int("page", pager.Pages()).Int("entries", len(page)).Int("events", len(records)).Msg("page processed")

		if !more {
			break
		}
	}

	a.Logger.Info().
		Int("entries", entries).
		Int("events", events).
		Int("inserted", inserted).
		Int("failed", len(failures)).
		Msg("回填完成")
	return failureSummary(failures)
}

// failureSummary 汇总失败记录，最多列出前 maxListedFailures 条。
func failureSummary(failures []*fetcher.FetchError) error {
	if len(failures) == 0 {
		return nil
	}
	listed := make([]error, 0, maxListedFailures)
	for _, fe := range failures {
		if len(listed) == maxListedFailures {
			break
		}
		listed = append(listed, fe)
	}
	return fmt.Errorf("%d 条记录回填失败: %w", len(failures), errors.Join(listed...))
}

const maxListedFailures = 5

package controller

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
	"github.com/mobile-inventory/inventory-cache/internal/metrics"
)

// HandleInstall 预加载全部 Preload 地址并写入当前版本命名空间。
// 任一地址失败或批量写入失败则整体失败且不写入任何条目；成功后请求立即激活（skipWaiting）。
func (c *Controller) HandleInstall(ctx context.Context) (err error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "controller.install", trace.WithAttributes(
		attribute.String("cache.version", c.cfg.Version),
		attribute.Int("cache.preload_count", len(c.cfg.Preload)),
	))
	defer func() { endSpan(span, err) }()

	previous := c.State()
	if previous != StateActivated {
		c.setState(StateInstalling)
	}
	fields := c.baseFields("install")
	fields["preload_count"] = len(c.cfg.Preload)

	entries, err := c.preload(ctx)
	if err != nil {
		c.setState(previous)
		c.metrics.ObserveInstall(metrics.ResultFailed)
		c.logger.WithFields(fields).WithError(err).Error("install_failed")
		return err
	}

	existed, err := c.store.Has(ctx, c.cfg.Version)
	if err != nil {
		c.setState(previous)
		c.metrics.ObserveInstall(metrics.ResultFailed)
		c.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("check namespace %s: %w", c.cfg.Version, err)
	}
	ns, err := c.store.Open(ctx, c.cfg.Version)
	if err != nil {
		c.setState(previous)
		c.metrics.ObserveInstall(metrics.ResultFailed)
		c.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("open namespace %s: %w", c.cfg.Version, err)
	}
	if err := ns.PutAll(ctx, entries); err != nil {
		if !existed {
			// 空命名空间会被 Resume 误认为已安装。
			if _, delErr := c.store.Delete(context.WithoutCancel(ctx), c.cfg.Version); delErr != nil {
				c.logger.WithFields(fields).WithError(delErr).Warn("namespace_cleanup_failed")
			}
		}
		c.setState(previous)
		c.metrics.ObserveInstall(metrics.ResultFailed)
		c.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("store preload entries: %w", err)
	}

	c.mu.Lock()
	c.ns = ns
	c.skipWaiting = true
	if previous != StateActivated {
		c.state = StateInstalled
	}
	c.mu.Unlock()

	c.metrics.ObserveInstall(metrics.ResultOK)
	c.logger.WithFields(fields).Info("install_complete")
	return nil
}

// preload 受 PreloadConcurrency 限制并发抓取，全部成功才返回条目。
// 预加载跟随重定向，最终的 2xx 响应存放在原始地址下。
func (c *Controller) preload(ctx context.Context) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(c.cfg.Preload))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.PreloadConcurrency)

	for i, raw := range c.cfg.Preload {
		group.Go(func() error {
			req := NewRequest(http.MethodGet, raw)
			req.FollowRedirects = true
			resp, err := c.network.Fetch(groupCtx, req)
			if err != nil {
				c.metrics.ObservePreload(metrics.ResultFailed)
				return &PreloadError{URL: raw, Err: err}
			}
			if !resp.Cacheable() {
				c.metrics.ObservePreload(metrics.ResultFailed)
				return &PreloadError{URL: raw, Err: fmt.Errorf("unexpected status %d", resp.Status)}
			}
			stored := sharedCopy(resp)
			stored.StoredAt = c.now()
			entries[i] = cache.Entry{Key: req.Key(), Response: stored}
			c.metrics.ObservePreload(metrics.ResultOK)
			c.logger.WithFields(logrus.Fields{
				"action":  "preload",
				"version": c.cfg.Version,
				"url":     raw,
				"status":  resp.Status,
				"bytes":   len(resp.Body),
			}).Debug("preload_fetched")
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// HandleActivate 删除除当前版本外的所有命名空间，随后立即接管请求。
// 单个命名空间删除失败只记录警告，不阻止接管。重复激活时保持 activated，清理期间继续使用缓存。
func (c *Controller) HandleActivate(ctx context.Context) (err error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "controller.activate", trace.WithAttributes(
		attribute.String("cache.version", c.cfg.Version),
	))
	defer func() { endSpan(span, err) }()

	previous := c.State()
	if previous != StateInstalled && previous != StateActivated {
		return ErrNotInstalled
	}
	if previous != StateActivated {
		c.setState(StateActivating)
	}

	fields := c.baseFields("activate")
	evicted, remaining := 0, 0
	names, listErr := c.store.Names(ctx)
	if listErr != nil {
		c.logger.WithFields(fields).WithError(listErr).Warn("activate_list_failed")
	}
	for _, name := range names {
		if name == c.cfg.Version {
			remaining++
			continue
		}
		deleted, delErr := c.store.Delete(ctx, name)
		if delErr != nil {
			remaining++
			c.logger.WithFields(fields).WithField("namespace", name).WithError(delErr).Warn("namespace_delete_failed")
			continue
		}
		if deleted {
			evicted++
			c.logger.WithFields(fields).WithField("namespace", name).Info("namespace_deleted")
		}
	}

	c.setState(StateActivated)
	c.metrics.ObserveActivate(evicted, remaining)
	fields["evicted"] = evicted
	c.logger.WithFields(fields).Info("activate_complete")
	span.SetAttributes(attribute.Int("cache.evicted", evicted))
	return nil
}

// Resume 在进程重启后接续持久化状态：若当前版本命名空间已存在则视为已安装。
func (c *Controller) Resume(ctx context.Context) (bool, error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	ok, err := c.store.Has(ctx, c.cfg.Version)
	if err != nil {
		return false, fmt.Errorf("check namespace %s: %w", c.cfg.Version, err)
	}
	if !ok {
		return false, nil
	}
	ns, err := c.store.Open(ctx, c.cfg.Version)
	if err != nil {
		return false, fmt.Errorf("open namespace %s: %w", c.cfg.Version, err)
	}

	c.mu.Lock()
	c.ns = ns
	if c.state == StateParsed {
		c.state = StateInstalled
		c.skipWaiting = true
	}
	c.mu.Unlock()

	c.logger.WithFields(c.baseFields("resume")).Info("namespace_resumed")
	return true, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

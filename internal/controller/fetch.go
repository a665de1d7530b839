package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
	"github.com/mobile-inventory/inventory-cache/internal/metrics"
	"github.com/mobile-inventory/inventory-cache/internal/strategy"
)

// HandleFetch 解析一次拦截请求。非 GET 请求以及激活之前的请求直接走网络；
// 其余请求按配置的策略处理。返回 ErrNoResponse 时调用方应回落到平台默认错误。
func (c *Controller) HandleFetch(ctx context.Context, req *Request) (result *Result, err error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	started := c.now()
	ctx, span := c.tracer.Start(ctx, "controller.fetch", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.URL),
		attribute.String("cache.strategy", string(c.cfg.Strategy)),
	))
	defer func() {
		source := metrics.SourceNone
		if result != nil {
			source = result.Source
		}
		span.SetAttributes(attribute.String("cache.source", source))
		c.metrics.ObserveFetch(string(c.cfg.Strategy), source, c.now().Sub(started))
		endSpan(span, err)
	}()

	ns, active := c.servingNamespace()
	if !active || !req.isGet() {
		return c.passthrough(ctx, req)
	}

	switch c.meta.Key {
	case strategy.StaleWhileRevalidate:
		return c.staleWhileRevalidate(ctx, ns, req)
	default:
		return c.networkFirst(ctx, ns, req)
	}
}

func (c *Controller) passthrough(ctx context.Context, req *Request) (*Result, error) {
	resp, err := c.network.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	return &Result{Response: resp, Source: metrics.SourcePassthrough}, nil
}

// staleWhileRevalidate 命中时立即返回缓存，同时总是发起一次后台刷新；
// 未命中时等待同一刷新的结果。
func (c *Controller) staleWhileRevalidate(ctx context.Context, ns cache.Namespace, req *Request) (*Result, error) {
	cached, err := ns.Match(ctx, req.Key())
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		c.logger.WithFields(c.requestFields("fetch", req)).WithError(err).Warn("cache_match_failed")
	}

	flight := c.revalidate(ctx, ns, req)
	if cached != nil {
		return &Result{Response: cached, Source: metrics.SourceCache}, nil
	}

	select {
	case res := <-flight:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoResponse, res.Err)
		}
		resp := res.Val.(*cache.Response)
		if res.Shared {
			// 合并的结果来自另一位调用方的请求，不能带上为其签发的 Cookie。
			return &Result{Response: sharedCopy(resp), Source: metrics.SourceNetwork}, nil
		}
		return &Result{Response: resp.Clone(), Source: metrics.SourceNetwork}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// revalidate 以请求键（带凭据时再加凭据指纹）合并并发刷新，
// 刷新脱离调用方的取消信号，Wait 可等待其完成。
func (c *Controller) revalidate(ctx context.Context, ns cache.Namespace, req *Request) <-chan singleflight.Result {
	key := req.Key()
	detached := context.WithoutCancel(ctx)
	background := req.clone()

	c.inflight.Add(1)
	shared := c.refreshes.DoChan(flightKey(background), func() (any, error) {
		resp, err := c.network.Fetch(detached, background)
		if err != nil {
			c.metrics.ObserveRefresh(metrics.ResultFailed)
			c.logger.WithFields(c.requestFields("refresh", background)).WithError(err).Debug("refresh_failed")
			return nil, err
		}
		if !storable(background, resp) {
			c.metrics.ObserveRefresh(metrics.ResultUncacheable)
			return resp, nil
		}
		c.storeResponse(detached, ns, key, resp, "refresh")
		return resp, nil
	})

	out := make(chan singleflight.Result, 1)
	go func() {
		defer c.inflight.Done()
		out <- <-shared
	}()
	return out
}

// networkFirst 优先使用网络并写回可共享的 2xx；网络失败时依次回落到缓存、离线响应。
func (c *Controller) networkFirst(ctx context.Context, ns cache.Namespace, req *Request) (*Result, error) {
	key := req.Key()
	resp, err := c.network.Fetch(ctx, req)
	if err == nil {
		if storable(req, resp) {
			c.storeResponse(context.WithoutCancel(ctx), ns, key, resp, "fetch")
		}
		return &Result{Response: resp, Source: metrics.SourceNetwork}, nil
	}
	c.logger.WithFields(c.requestFields("fetch", req)).WithError(err).Debug("network_failed")

	cached, matchErr := ns.Match(context.WithoutCancel(ctx), key)
	if matchErr == nil {
		return &Result{Response: cached, Source: metrics.SourceCache}, nil
	}
	if !errors.Is(matchErr, cache.ErrNotFound) {
		c.logger.WithFields(c.requestFields("fetch", req)).WithError(matchErr).Warn("cache_match_failed")
	}
	return &Result{Response: offlineResponse(req, c.now()), Source: metrics.SourceOffline}, nil
}

func (c *Controller) storeResponse(ctx context.Context, ns cache.Namespace, key cache.Key, resp *cache.Response, action string) {
	stored := sharedCopy(resp)
	stored.StoredAt = c.now()
	if err := ns.Put(ctx, key, stored); err != nil {
		if action == "refresh" {
			c.metrics.ObserveRefresh(metrics.ResultStoreFailed)
		}
		c.logger.WithFields(logrus.Fields{
			"action":  action,
			"version": c.cfg.Version,
			"key":     key.String(),
		}).WithError(err).Warn("cache_put_failed")
		return
	}
	if action == "refresh" {
		c.metrics.ObserveRefresh(metrics.ResultStored)
	}
}

func (c *Controller) requestFields(action string, req *Request) logrus.Fields {
	fields := c.baseFields(action)
	fields["method"] = req.Method
	fields["url"] = req.URL
	return fields
}

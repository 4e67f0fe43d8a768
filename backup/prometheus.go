package backup

import (
	"context"
	"fmt"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// PrometheusProvider implements MetricsProvider against a live
// Prometheus server via the PromQL `increase(traefik_router_requests_total[...])`
// query §4.8 names, grouped by the `router` label.
type PrometheusProvider struct {
	api promv1.API
}

func NewPrometheusProvider(address string) (*PrometheusProvider, error) {
	client, err := promapi.NewClient(promapi.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &PrometheusProvider{api: promv1.NewAPI(client)}, nil
}

func (p *PrometheusProvider) RouterRequestIncrease(ctx context.Context, window time.Duration) (map[string]float64, error) {
	query := fmt.Sprintf("max by (router) (increase(traefik_router_requests_total[%s]))", model.Duration(window))

	result, _, err := p.api.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected prometheus result type %T", result)
	}

	byRouter := make(map[string]float64, len(vector))
	for _, sample := range vector {
		router := string(sample.Metric["router"])
		byRouter[router] = float64(sample.Value)
	}
	return byRouter, nil
}

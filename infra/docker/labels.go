package docker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/traefik"
)

// serviceLabels builds the full label set a service's container
// carries: the com.aixigo.preview.servant.* identity labels (§4.1) plus
// whatever Traefik docker-provider labels its IngressRoute requires,
// plus the operator's own cfg.Labels passed through last so an operator
// label never shadows the identity scheme.
func serviceLabels(appName models.AppName, cfg models.ServiceConfig, route traefik.IngressRoute, statusChangeID string) (map[string]string, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service config for labels: %w", err)
	}

	labels := map[string]string{
		infra.LabelAppName:        string(appName),
		infra.LabelServiceName:    cfg.ServiceName,
		infra.LabelContainerType:  string(cfg.ContainerType),
		infra.LabelImage:          cfg.Image.Display(),
		infra.LabelConfig:         string(configJSON),
		infra.LabelStatusChangeID: statusChangeID,
	}

	router := string(appName) + "-" + cfg.ServiceName
	for k, v := range traefikLabels(router, cfg.ServiceName, route, cfg.NormalisedPort()) {
		labels[k] = v
	}

	for k, v := range cfg.Labels {
		if strings.HasPrefix(k, "com.aixigo.preview.servant.") {
			continue
		}
		labels[k] = v
	}

	return labels, nil
}

// traefikLabels translates an IngressRoute into the Docker provider's
// label vocabulary: one router per service, one service (in Traefik's
// sense) carrying the container's listen port, and one middleware
// definition per entry the route's Middlewares list that this package
// recognises (currently only stripPrefix, the only kind DefaultRoute
// itself produces; additionalMiddlewares referenced by name only are
// assumed already configured elsewhere and are attached by reference).
func traefikLabels(router, service string, route traefik.IngressRoute, port int) map[string]string {
	labels := map[string]string{
		"traefik.enable": "true",
		"traefik.http.routers." + router + ".rule":                     route.Rule.Display(),
		"traefik.http.services." + router + ".loadbalancer.server.port": strconv.Itoa(port),
	}

	if len(route.EntryPoints) > 0 {
		labels["traefik.http.routers."+router+".entrypoints"] = strings.Join(route.EntryPoints, ",")
	}
	if route.TLSCertResolver != "" {
		labels["traefik.http.routers."+router+".tls.certresolver"] = route.TLSCertResolver
	}

	var middlewareNames []string
	for _, mw := range route.Middlewares {
		middlewareNames = append(middlewareNames, mw.Name)
		if mw.Kind == "stripPrefix" {
			labels["traefik.http.middlewares."+mw.Name+".stripprefix.prefixes"] = mw.Opts["prefix"]
		}
	}
	if len(middlewareNames) > 0 {
		labels["traefik.http.routers."+router+".middlewares"] = strings.Join(middlewareNames, ",")
	}

	return labels
}

// serviceConfigFromLabels reverses serviceLabels' LabelConfig entry,
// the only one get_configs_of_app / get_services need to reconstruct a
// ServiceConfig without re-deriving it from the container's other
// fields.
func serviceConfigFromLabels(labels map[string]string) (models.ServiceConfig, error) {
	raw, ok := labels[infra.LabelConfig]
	if !ok {
		return models.ServiceConfig{}, fmt.Errorf("container is missing the %s label", infra.LabelConfig)
	}
	var cfg models.ServiceConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return models.ServiceConfig{}, fmt.Errorf("failed to unmarshal service config label: %w", err)
	}
	return cfg, nil
}

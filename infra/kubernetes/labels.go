package kubernetes

import (
	"encoding/json"
	"fmt"

	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/models"
)

// k8sLabels carries only the identity fields a label selector needs.
// Kubernetes label values are capped at 63 characters and restricted to
// [A-Za-z0-9_.-], which an image reference or a status-change-id can
// easily violate, so everything else (the full ServiceConfig, the
// image reference, the status-change-id) goes on as an annotation
// instead, the way the gardener extension keeps its checksum off a
// label and on an annotation.
func k8sLabels(appName models.AppName, cfg models.ServiceConfig) map[string]string {
	return map[string]string{
		infra.LabelAppName:       string(appName),
		infra.LabelServiceName:   cfg.ServiceName,
		infra.LabelContainerType: string(cfg.ContainerType),
	}
}

func k8sAnnotations(cfg models.ServiceConfig, statusChangeID, digest string) (map[string]string, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service config for annotation: %w", err)
	}
	annotations := map[string]string{
		infra.LabelImage:          cfg.Image.Display(),
		infra.LabelConfig:         string(configJSON),
		infra.LabelStatusChangeID: statusChangeID,
	}
	if digest != "" {
		annotations[infra.LabelImageDigest] = digest
	}
	return annotations, nil
}

func serviceConfigFromAnnotations(annotations map[string]string) (models.ServiceConfig, error) {
	raw, ok := annotations[infra.LabelConfig]
	if !ok {
		return models.ServiceConfig{}, fmt.Errorf("object is missing the %s annotation", infra.LabelConfig)
	}
	var cfg models.ServiceConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return models.ServiceConfig{}, fmt.Errorf("failed to unmarshal service config annotation: %w", err)
	}
	return cfg, nil
}

package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/models"
)

func (c *Client) findContainer(ctx context.Context, appName models.AppName, serviceName string) (string, error) {
	containers, err := c.sdk.ContainerList(ctx, container.ListOptions{All: true, Filters: serviceLabelFilter(appName, serviceName)})
	if err != nil {
		return "", errs.Wrap(errs.InfrastructureError, err, "failed to list containers").WithApp(string(appName)).WithService(serviceName)
	}
	if len(containers) == 0 {
		return "", errs.New(errs.NotFound, "no container found for service").WithApp(string(appName)).WithService(serviceName)
	}
	return containers[0].ID, nil
}

// GetStatusChange reports a single service's current lifecycle state
// (§4.1).
func (c *Client) GetStatusChange(ctx context.Context, appName models.AppName, serviceName string) (models.ServiceStatus, error) {
	id, err := c.findContainer(ctx, appName, serviceName)
	if err != nil {
		return "", err
	}

	inspected, err := c.sdk.ContainerInspect(ctx, id)
	if err != nil {
		return "", errs.Wrap(errs.InfrastructureError, err, "failed to inspect container").WithApp(string(appName)).WithService(serviceName)
	}

	if inspected.State != nil && inspected.State.Paused {
		return models.ServicePaused, nil
	}
	return models.ServiceRunning, nil
}

// ChangeStatus pauses or resumes a single service's container without
// removing it (§4.1).
func (c *Client) ChangeStatus(ctx context.Context, appName models.AppName, serviceName string, status models.ServiceStatus) error {
	id, err := c.findContainer(ctx, appName, serviceName)
	if err != nil {
		return err
	}

	switch status {
	case models.ServicePaused:
		if err := c.sdk.ContainerPause(ctx, id); err != nil {
			return errs.Wrap(errs.InfrastructureError, err, "failed to pause container").WithApp(string(appName)).WithService(serviceName)
		}
	case models.ServiceRunning:
		if err := c.sdk.ContainerUnpause(ctx, id); err != nil {
			return errs.Wrap(errs.InfrastructureError, err, "failed to unpause container").WithApp(string(appName)).WithService(serviceName)
		}
	default:
		return errs.New(errs.InfrastructureError, fmt.Sprintf("unsupported target status %q", status)).WithApp(string(appName)).WithService(serviceName)
	}
	return nil
}

// GetLogs streams a service's container logs, demultiplexed the way
// the teacher's build-container log capture does, except here the
// caller consumes the stream directly rather than it being drained
// into a file, since this stream may be followed indefinitely.
func (c *Client) GetLogs(ctx context.Context, appName models.AppName, serviceName string, opts infra.LogOptions) (infra.LogStream, error) {
	id, err := c.findContainer(ctx, appName, serviceName)
	if err != nil {
		return nil, err
	}

	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Timestamps: true,
	}
	if opts.Since != nil {
		logOpts.Since = opts.Since.Format("2006-01-02T15:04:05.000000000Z")
	}
	if opts.Limit > 0 {
		logOpts.Tail = strconv.Itoa(opts.Limit)
	}

	stream, err := c.sdk.ContainerLogs(ctx, id, logOpts)
	if err != nil {
		return nil, errs.Wrap(errs.InfrastructureError, err, "failed to read container logs").WithApp(string(appName)).WithService(serviceName)
	}

	demuxed, writer := io.Pipe()
	go func() {
		defer stream.Close()
		_, copyErr := stdcopy.StdCopy(writer, writer, stream)
		writer.CloseWithError(copyErr)
	}()
	return demuxed, nil
}

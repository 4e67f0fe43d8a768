// Package registry resolves an Image to the metadata the deployment
// builder needs — digest, exposed port, declared volumes — honouring
// per-registry credentials, and memoises the result in-process (§4.2).
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/models"
)

// Credential is one registry's login, read from configuration.
type Credential struct {
	Username string
	Password string
}

// ImageInfo is what the builder consults before computing a service's
// DeploymentStrategy and declared volumes (§4.4 step 4).
type ImageInfo struct {
	Digest          string
	ExposedPort     int
	DeclaredVolumes []string
}

// Client resolves images against their registries, with a small
// wrapping layer around go-containerregistry's remote package the same
// way the teacher's docker.Client wraps the Docker SDK: callers here
// never import go-containerregistry directly.
type Client struct {
	authMu sync.RWMutex
	auth   map[string]Credential
	cache  *Cache
	logger *slog.Logger
}

func NewClient(auth map[string]Credential, cache *Cache, logger *slog.Logger) *Client {
	if cache == nil {
		cache = NewCache(defaultCacheSize)
	}
	return &Client{auth: auth, cache: cache, logger: logger}
}

// SetAuth swaps the credential map in place, letting a config reload
// pick up edited registry logins without restarting the process.
func (c *Client) SetAuth(auth map[string]Credential) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.auth = auth
}

func (c *Client) credentialFor(host string) (Credential, bool) {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	cred, ok := c.auth[host]
	return cred, ok
}

// Resolve returns the ImageInfo for img, consulting the in-process
// cache first (read-through). Concurrent misses for the same image each
// fetch and Put; the last Put wins.
func (c *Client) Resolve(ctx context.Context, img models.Image) (ImageInfo, error) {
	if cached, ok := c.cache.Get(img); ok {
		return cached, nil
	}

	info, err := c.fetch(ctx, img)
	if err != nil {
		return ImageInfo{}, err
	}

	c.cache.Put(img, info)
	return info, nil
}

// ResolveAll resolves a whole set of images, each distinct display form
// once, and returns on the first image that fails to resolve, since any
// unresolved image aborts the deployment.
func (c *Client) ResolveAll(ctx context.Context, images []models.Image) (map[string]ImageInfo, error) {
	result := make(map[string]ImageInfo, len(images))
	seen := make(map[string]bool, len(images))
	for _, img := range images {
		key := img.Display()
		if seen[key] {
			continue
		}
		seen[key] = true

		info, err := c.Resolve(ctx, img)
		if err != nil {
			return nil, err
		}
		result[key] = info
	}
	return result, nil
}

func (c *Client) fetch(ctx context.Context, img models.Image) (ImageInfo, error) {
	if digest, ok := img.Digest(); ok {
		return c.fetchByRef(ctx, digest, img)
	}

	host, _ := img.RegistryHost()
	ref, err := name.ParseReference(img.Display())
	if err != nil {
		return ImageInfo{}, errs.Wrap(errs.ImageRegistryUnexpected, err, "failed to parse image reference").WithImage(img.Display())
	}

	return c.fetchByReference(ctx, ref, host, img)
}

func (c *Client) fetchByRef(ctx context.Context, digestOrRef string, img models.Image) (ImageInfo, error) {
	ref, err := name.ParseReference(digestOrRef)
	if err != nil {
		return ImageInfo{}, errs.Wrap(errs.ImageRegistryUnexpected, err, "failed to parse digest reference").WithImage(img.Display())
	}
	return c.fetchByReference(ctx, ref, "", img)
}

func (c *Client) fetchByReference(ctx context.Context, ref name.Reference, host string, img models.Image) (ImageInfo, error) {
	opts := []remote.Option{remote.WithContext(ctx)}
	if cred, ok := c.credentialFor(host); ok {
		opts = append(opts, remote.WithAuth(&authn.Basic{Username: cred.Username, Password: cred.Password}))
	}

	desc, err := remote.Get(ref, opts...)
	if err != nil {
		return ImageInfo{}, classifyRegistryError(err, img)
	}

	remoteImg, err := desc.Image()
	if err != nil {
		return ImageInfo{}, errs.Wrap(errs.ImageRegistryUnexpected, err, "failed to read image manifest").WithImage(img.Display())
	}

	digestHash, err := remoteImg.Digest()
	if err != nil {
		return ImageInfo{}, errs.Wrap(errs.ImageRegistryUnexpected, err, "failed to compute image digest").WithImage(img.Display())
	}

	configFile, err := remoteImg.ConfigFile()
	if err != nil {
		return ImageInfo{}, errs.Wrap(errs.ImageRegistryUnexpected, err, "failed to read image config").WithImage(img.Display())
	}

	return ImageInfo{
		Digest:          "sha256:" + digestHash.Hex,
		ExposedPort:     lowestExposedPort(configFile.Config.ExposedPorts),
		DeclaredVolumes: declaredVolumePaths(configFile.Config.Volumes),
	}, nil
}

// classifyRegistryError maps a go-containerregistry transport error
// onto the RegistryError taxonomy (§4.2). go-containerregistry surfaces
// HTTP status via transport.Error, but this package avoids importing
// that internal type and instead pattern-matches the status text,
// since the only distinction the builder needs is "not found" vs
// "auth failure" vs "everything else".
func classifyRegistryError(err error, img models.Image) *errs.Error {
	msg := err.Error()
	switch {
	case containsAny(msg, "404", "not found", "NAME_UNKNOWN", "MANIFEST_UNKNOWN"):
		return errs.Wrap(errs.ImageRegistryNotFound, err, "image not found").WithImage(img.Display())
	case containsAny(msg, "401", "403", "UNAUTHORIZED", "DENIED"):
		return errs.Wrap(errs.ImageRegistryAuthFailure, err, "registry authentication failed").WithImage(img.Display())
	default:
		return errs.Wrap(errs.ImageRegistryUnexpected, err, "unexpected registry error").WithImage(img.Display())
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if len(haystack) >= len(n) && indexOfFold(haystack, n) >= 0 {
			return true
		}
	}
	return false
}

func indexOfFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// lowestExposedPort returns the lowest numeric container port declared
// in the image config, defaulting to 0 (caller falls back to §3's
// port-80 default) when none are declared.
func lowestExposedPort(exposedPorts map[string]struct{}) int {
	var ports []int
	for raw := range exposedPorts {
		port, err := parsePortKey(raw)
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return 0
	}
	sort.Ints(ports)
	return ports[0]
}

func parsePortKey(raw string) (int, error) {
	// OCI image config keys exposed ports as "80/tcp".
	for i, r := range raw {
		if r == '/' {
			return strconv.Atoi(raw[:i])
		}
	}
	return strconv.Atoi(raw)
}

func declaredVolumePaths(volumes map[string]struct{}) []string {
	paths := make([]string, 0, len(volumes))
	for p := range volumes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

package models

import (
	"fmt"
	"regexp"
	"strings"
)

// ImageKind distinguishes the two representations an Image can take.
type ImageKind string

const (
	ImageKindNamed  ImageKind = "named"
	ImageKindDigest ImageKind = "digest"
)

// Image is either a Named reference (registry/user/repo:tag, with
// docker.io/library defaults filled in on Display) or a bare content
// Digest (sha256:...). Two images are equal iff their Display() forms
// match, never by comparing the struct fields directly, since the same
// image can be spelled two ways (implicit vs explicit docker.io).
type Image struct {
	kind ImageKind

	registry string
	user     string
	repo     string
	tag      string

	digest string
}

var digestPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

// NewDigestImage builds a Digest-kind Image, rejecting anything that
// doesn't look like "sha256:<64 hex chars>".
func NewDigestImage(digest string) (Image, error) {
	if !digestPattern.MatchString(digest) {
		return Image{}, fmt.Errorf("invalid image digest %q: must match sha256:<64 hex chars>", digest)
	}
	return Image{kind: ImageKindDigest, digest: digest}, nil
}

// NewNamedImage builds a Named-kind Image. Empty registry/user/tag are
// legal here; Display fills in the docker.io/library/latest defaults,
// the struct itself stores exactly what was given so ParseImage round
// trips the caller's original spelling.
func NewNamedImage(registry, user, repo, tag string) Image {
	return Image{kind: ImageKindNamed, registry: registry, user: user, repo: repo, tag: tag}
}

// ParseImage accepts a reference the way a ServiceConfig.image field or
// a container engine's own notation would spell it: a bare digest
// ("sha256:..."), or "[registry/][user/]repo[:tag]".
func ParseImage(ref string) (Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Image{}, fmt.Errorf("empty image reference")
	}
	if digestPattern.MatchString(ref) {
		return NewDigestImage(ref)
	}

	name, tag := ref, ""
	if idx := strings.LastIndex(name, ":"); idx != -1 && !strings.Contains(name[idx:], "/") {
		name, tag = name[:idx], name[idx+1:]
	}

	parts := strings.Split(name, "/")
	var registry, user, repo string
	switch len(parts) {
	case 1:
		repo = parts[0]
	case 2:
		// ambiguous between "registry/repo" and "user/repo"; a segment
		// is treated as a registry host only if it contains a dot, a
		// colon (port) or is literally "localhost", matching how
		// docker's own reference package disambiguates this.
		if looksLikeRegistryHost(parts[0]) {
			registry, repo = parts[0], parts[1]
		} else {
			user, repo = parts[0], parts[1]
		}
	default:
		registry = parts[0]
		user = strings.Join(parts[1:len(parts)-1], "/")
		repo = parts[len(parts)-1]
	}

	if repo == "" {
		return Image{}, fmt.Errorf("invalid image reference %q: missing repository", ref)
	}
	return NewNamedImage(registry, user, repo, tag), nil
}

func looksLikeRegistryHost(segment string) bool {
	return segment == "localhost" || strings.ContainsAny(segment, ".:")
}

func (img Image) Kind() ImageKind { return img.kind }
func (img Image) IsDigest() bool  { return img.kind == ImageKindDigest }

// Digest returns the sha256 digest string and true when img is a
// Digest-kind image.
func (img Image) Digest() (string, bool) {
	if img.kind != ImageKindDigest {
		return "", false
	}
	return img.digest, true
}

// Display canonicalises a Named image the way docker.io itself treats
// implicit registry/namespace: missing registry becomes "docker.io",
// missing user on a docker.io image becomes "library", missing tag
// becomes "latest". A Digest image displays as-is.
func (img Image) Display() string {
	if img.kind == ImageKindDigest {
		return img.digest
	}

	registry := img.registry
	if registry == "" {
		registry = "docker.io"
	}
	user := img.user
	if user == "" && registry == "docker.io" {
		user = "library"
	}
	tag := img.tag
	if tag == "" {
		tag = "latest"
	}

	if user == "" {
		return fmt.Sprintf("%s/%s:%s", registry, img.repo, tag)
	}
	return fmt.Sprintf("%s/%s/%s:%s", registry, user, img.repo, tag)
}

func (img Image) String() string { return img.Display() }

// Equal compares two images by their canonical display form, so
// "nginx:latest" and "docker.io/library/nginx:latest" are the same
// image.
func (img Image) Equal(other Image) bool {
	return img.Display() == other.Display()
}

// RegistryHost returns the registry to contact for a Named image,
// defaulting to docker.io. Digest images have no registry of their own
// and return ok=false; the caller must already know where to look one
// up (or it is only used for local cache keys, never fetched).
func (img Image) RegistryHost() (string, bool) {
	if img.kind != ImageKindNamed {
		return "", false
	}
	if img.registry == "" {
		return "docker.io", true
	}
	return img.registry, true
}

// MarshalJSON/UnmarshalJSON let Image ride through JSON as its display
// string, matching how the HTTP surface and the app_task JSONB column
// represent service configs.
func (img Image) MarshalJSON() ([]byte, error) {
	return []byte(`"` + img.Display() + `"`), nil
}

func (img *Image) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	parsed, err := ParseImage(raw)
	if err != nil {
		return err
	}
	*img = parsed
	return nil
}

package registry

import (
	"errors"
	"log/slog"
	"strconv"
	"testing"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/models"
)

func TestCache_GetPutRoundTrips(t *testing.T) {
	cache := NewCache(8)
	img := models.NewNamedImage("", "", "nginx", "latest")
	info := ImageInfo{Digest: "sha256:abc", ExposedPort: 80}

	if _, ok := cache.Get(img); ok {
		t.Fatal("expected a miss before any Put")
	}

	cache.Put(img, info)

	got, ok := cache.Get(img)
	if !ok {
		t.Fatal("expected a hit after Put")
	}
	if got.Digest != info.Digest {
		t.Errorf("got %+v, want %+v", got, info)
	}
}

func TestNewCache_NonPositiveSizeUsesDefault(t *testing.T) {
	cache := NewCache(0)
	if cache.lru.Len() != 0 {
		t.Errorf("expected an empty cache, got %d entries", cache.lru.Len())
	}

	for i := 0; i <= defaultCacheSize; i++ {
		cache.Put(models.NewNamedImage("", "", "img-"+strconv.Itoa(i), "latest"), ImageInfo{})
	}
	if cache.lru.Len() != defaultCacheSize {
		t.Errorf("got %d entries after %d puts, want the default bound of %d", cache.lru.Len(), defaultCacheSize+1, defaultCacheSize)
	}
}

func TestClient_SetAuthAndCredentialFor(t *testing.T) {
	client := NewClient(map[string]Credential{"registry.example.com": {Username: "u", Password: "p"}}, NewCache(8), slog.New(slog.DiscardHandler))

	if _, ok := client.credentialFor("registry.example.com"); !ok {
		t.Fatal("expected the initial credential to be present")
	}

	client.SetAuth(map[string]Credential{"other.example.com": {Username: "u2", Password: "p2"}})

	if _, ok := client.credentialFor("registry.example.com"); ok {
		t.Error("expected the old host's credential to be gone after SetAuth")
	}
	cred, ok := client.credentialFor("other.example.com")
	if !ok || cred.Username != "u2" {
		t.Errorf("got %+v, want the new credential in place", cred)
	}
}

func TestClassifyRegistryError(t *testing.T) {
	img := models.NewNamedImage("", "", "nginx", "latest")

	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"not found", errors.New("GET https://x: 404 Not Found"), errs.ImageRegistryNotFound},
		{"manifest unknown", errors.New("MANIFEST_UNKNOWN: manifest unknown"), errs.ImageRegistryNotFound},
		{"unauthorized", errors.New("401 Unauthorized"), errs.ImageRegistryAuthFailure},
		{"denied", errors.New("DENIED: requested access to the resource is denied"), errs.ImageRegistryAuthFailure},
		{"other", errors.New("connection reset by peer"), errs.ImageRegistryUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyRegistryError(tt.err, img)
			if got.Kind != tt.want {
				t.Errorf("got kind %q, want %q", got.Kind, tt.want)
			}
		})
	}
}

func TestLowestExposedPort(t *testing.T) {
	tests := []struct {
		name  string
		ports map[string]struct{}
		want  int
	}{
		{"empty", map[string]struct{}{}, 0},
		{"single", map[string]struct{}{"8080/tcp": {}}, 8080},
		{"picks lowest", map[string]struct{}{"8080/tcp": {}, "80/tcp": {}, "9090/udp": {}}, 80},
		{"ignores malformed", map[string]struct{}{"not-a-port": {}, "443/tcp": {}}, 443},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lowestExposedPort(tt.ports); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDeclaredVolumePaths_SortedOutput(t *testing.T) {
	volumes := map[string]struct{}{"/data": {}, "/var/log": {}, "/a": {}}
	got := declaredVolumePaths(volumes)
	want := []string{"/a", "/data", "/var/log"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestEqualFold(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"DENIED", "denied", true},
		{"Unauthorized", "UNAUTHORIZED", true},
		{"abc", "abd", false},
		{"abc", "ab", false},
	}
	for _, tt := range tests {
		if got := equalFold(tt.a, tt.b); got != tt.want {
			t.Errorf("equalFold(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestContainsAny(t *testing.T) {
	if !containsAny("failed: 404 not found", "404") {
		t.Error("expected a match for a substring present in the haystack")
	}
	if containsAny("failed: connection refused", "404", "401") {
		t.Error("expected no match when none of the needles are present")
	}
}

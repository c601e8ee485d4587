// Package registry implements the content-addressed Package Registry (C7):
// a local-filesystem bundle store with init/publish/download/verify/list
// operations and token-gated private visibility.
//
// Grounded in full on original_source/crates/trust-runtime/src/registry.rs.
package registry

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ironloop/ironcycle/internal/errkind"
)

// Visibility selects whether a registry requires a token on every operation.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Settings is registry.toml's [registry] table.
type Settings struct {
	Registry struct {
		Version    int        `toml:"version"`
		Visibility Visibility `toml:"visibility"`
		AuthToken  string     `toml:"auth_token,omitempty"`
	} `toml:"registry"`
}

// FileEntry is one file's content-address record, in both PackageMetadata
// and the publish bundle walk.
type FileEntry struct {
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// PackageMetadata is one published package version's manifest (§3).
type PackageMetadata struct {
	Name          string      `json:"name"`
	Version       string      `json:"version"`
	ResourceName  string      `json:"resource_name"`
	BundleVersion int         `json:"bundle_version"`
	PublishedAt   time.Time   `json:"published_at"`
	TotalBytes    int64       `json:"total_bytes"`
	PackageSHA256 string      `json:"package_sha256"`
	Files         []FileEntry `json:"files"`
}

// IndexEntry is one package version's summary line in index.json.
type IndexEntry struct {
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	ResourceName  string    `json:"resource_name"`
	PublishedAt   time.Time `json:"published_at"`
	TotalBytes    int64     `json:"total_bytes"`
	PackageSHA256 string    `json:"package_sha256"`
}

// Index is the registry's flat package listing, index.json.
type Index struct {
	SchemaVersion int          `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Packages      []IndexEntry `json:"packages"`
}

var nameVersionPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var (
	ErrInvalidName        = errors.New("registry: name/version must match [A-Za-z0-9._-]+")
	ErrAlreadyPublished    = errors.New("registry: package version already published")
	ErrUnauthorized        = errors.New("registry: missing or invalid auth token")
	ErrNotFound            = errors.New("registry: package version not found")
	ErrDestinationNotEmpty = errors.New("registry: download destination is not empty")
	ErrDigestMismatch      = errors.New("registry: digest mismatch")
)

// Registry drives operations against one root directory.
type Registry struct {
	root string
}

// Open reads root/registry.toml and returns a handle. root must already be
// initialized via Init.
func Open(root string) (*Registry, string, Settings, error) {
	var settings Settings
	data, err := os.ReadFile(filepath.Join(root, "registry.toml"))
	if err != nil {
		return nil, "", settings, errkind.New(errkind.InvalidConfig, "registry.Open", err)
	}
	if err := toml.Unmarshal(data, &settings); err != nil {
		return nil, "", settings, errkind.New(errkind.InvalidConfig, "registry.Open", err)
	}
	return &Registry{root: root}, root, settings, nil
}

// Init creates root/registry.toml, an empty index.json, and the packages/
// directory. visibility=Private requires a non-empty token
// (enforce_private_contract, §4.6).
func Init(root string, visibility Visibility, authToken string) error {
	if visibility == VisibilityPrivate && authToken == "" {
		return errkind.New(errkind.InvalidConfig, "registry.Init", errors.New("private registry requires a non-empty auth_token"))
	}
	if err := os.MkdirAll(filepath.Join(root, "packages"), 0o755); err != nil {
		return errkind.New(errkind.ControlError, "registry.Init", err)
	}

	var settings Settings
	settings.Registry.Version = 1
	settings.Registry.Visibility = visibility
	settings.Registry.AuthToken = authToken

	f, err := os.Create(filepath.Join(root, "registry.toml"))
	if err != nil {
		return errkind.New(errkind.ControlError, "registry.Init", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(settings); err != nil {
		return errkind.New(errkind.ControlError, "registry.Init", err)
	}

	idx := Index{SchemaVersion: 1, GeneratedAt: time.Now().UTC(), Packages: []IndexEntry{}}
	return writeJSON(filepath.Join(root, "index.json"), idx)
}

func (r *Registry) checkAuth(settings Settings, token string) error {
	if settings.Registry.Visibility != VisibilityPrivate {
		return nil
	}
	if token == "" || token != settings.Registry.AuthToken {
		return errkind.New(errkind.InvalidConfig, "registry.checkAuth", ErrUnauthorized)
	}
	return nil
}

func validateNameVersion(name, version string) error {
	if !nameVersionPattern.MatchString(name) || !nameVersionPattern.MatchString(version) {
		return errkind.New(errkind.InvalidConfig, "registry.validateNameVersion", ErrInvalidName)
	}
	return nil
}

// Publish hashes every file under sourceDir, refuses a republish of an
// existing (name, version), and writes metadata.json, the bundle copy, and
// an updated index.json.
func (r *Registry) Publish(settings Settings, token, name, version, resourceName string, bundleVersion int, sourceDir string) (PackageMetadata, error) {
	var meta PackageMetadata
	if err := r.checkAuth(settings, token); err != nil {
		return meta, err
	}
	if err := validateNameVersion(name, version); err != nil {
		return meta, err
	}

	dest := filepath.Join(r.root, "packages", name, version)
	if _, err := os.Stat(dest); err == nil {
		return meta, errkind.New(errkind.InvalidConfig, "registry.Publish", ErrAlreadyPublished)
	}

	files, totalBytes, err := hashTree(sourceDir)
	if err != nil {
		return meta, errkind.New(errkind.ControlError, "registry.Publish", err)
	}

	meta = PackageMetadata{
		Name: name, Version: version, ResourceName: resourceName,
		BundleVersion: bundleVersion, PublishedAt: time.Now().UTC(),
		TotalBytes: totalBytes, PackageSHA256: aggregateDigest(files), Files: files,
	}

	bundleDest := filepath.Join(dest, "bundle")
	if err := copyTree(sourceDir, bundleDest); err != nil {
		return meta, errkind.New(errkind.ControlError, "registry.Publish", err)
	}
	if err := writeJSON(filepath.Join(dest, "metadata.json"), meta); err != nil {
		return meta, err
	}
	if err := r.appendToIndex(meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func (r *Registry) appendToIndex(meta PackageMetadata) error {
	idxPath := filepath.Join(r.root, "index.json")
	var idx Index
	if data, err := os.ReadFile(idxPath); err == nil {
		if err := json.Unmarshal(data, &idx); err != nil {
			return errkind.New(errkind.ControlError, "registry.appendToIndex", err)
		}
	} else {
		idx = Index{SchemaVersion: 1}
	}
	idx.GeneratedAt = time.Now().UTC()
	idx.Packages = append(idx.Packages, IndexEntry{
		Name: meta.Name, Version: meta.Version, ResourceName: meta.ResourceName,
		PublishedAt: meta.PublishedAt, TotalBytes: meta.TotalBytes, PackageSHA256: meta.PackageSHA256,
	})
	return writeJSON(idxPath, idx)
}

// List returns the current index contents.
func (r *Registry) List(settings Settings, token string) (Index, error) {
	var idx Index
	if err := r.checkAuth(settings, token); err != nil {
		return idx, err
	}
	data, err := os.ReadFile(filepath.Join(r.root, "index.json"))
	if err != nil {
		return idx, errkind.New(errkind.ControlError, "registry.List", err)
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return idx, errkind.New(errkind.ControlError, "registry.List", err)
	}
	return idx, nil
}

func (r *Registry) loadMetadata(name, version string) (PackageMetadata, string, error) {
	var meta PackageMetadata
	dest := filepath.Join(r.root, "packages", name, version)
	data, err := os.ReadFile(filepath.Join(dest, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return meta, dest, errkind.New(errkind.InvalidConfig, "registry.loadMetadata", ErrNotFound)
		}
		return meta, dest, errkind.New(errkind.ControlError, "registry.loadMetadata", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, dest, errkind.New(errkind.ControlError, "registry.loadMetadata", err)
	}
	return meta, dest, nil
}

// VerifyResult reports the outcome of a bundle integrity check.
type VerifyResult struct {
	OK     bool
	Reason string
}

// Verify re-walks the published bundle and compares file count, per-file
// path/bytes/sha256, then the aggregate digest — first mismatch wins
// (§4.6, ordering carried over from the reference implementation).
func (r *Registry) Verify(settings Settings, token, name, version string) (VerifyResult, error) {
	if err := r.checkAuth(settings, token); err != nil {
		return VerifyResult{}, err
	}
	meta, dest, err := r.loadMetadata(name, version)
	if err != nil {
		return VerifyResult{}, err
	}

	actual, _, err := hashTree(filepath.Join(dest, "bundle"))
	if err != nil {
		return VerifyResult{}, errkind.New(errkind.ControlError, "registry.Verify", err)
	}

	if len(actual) != len(meta.Files) {
		return VerifyResult{OK: false, Reason: "file_count_mismatch"}, nil
	}
	for i := range meta.Files {
		if meta.Files[i].Path != actual[i].Path {
			return VerifyResult{OK: false, Reason: fmt.Sprintf("path_mismatch:%s", meta.Files[i].Path)}, nil
		}
		if meta.Files[i].Bytes != actual[i].Bytes {
			return VerifyResult{OK: false, Reason: fmt.Sprintf("bytes_mismatch:%s", meta.Files[i].Path)}, nil
		}
		if meta.Files[i].SHA256 != actual[i].SHA256 {
			return VerifyResult{OK: false, Reason: fmt.Sprintf("sha256_mismatch:%s", meta.Files[i].Path)}, nil
		}
	}
	if aggregateDigest(actual) != meta.PackageSHA256 {
		return VerifyResult{OK: false, Reason: "digest_mismatch"}, nil
	}
	return VerifyResult{OK: true}, nil
}

// Download copies a published bundle to destDir, refusing a non-empty
// destination (§4.6 atomicity), optionally verifying integrity first.
func (r *Registry) Download(settings Settings, token, name, version, destDir string, verifyBeforeInstall bool) (PackageMetadata, error) {
	var meta PackageMetadata
	if err := r.checkAuth(settings, token); err != nil {
		return meta, err
	}
	if entries, err := os.ReadDir(destDir); err == nil && len(entries) > 0 {
		return meta, errkind.New(errkind.InvalidConfig, "registry.Download", ErrDestinationNotEmpty)
	}

	meta, dest, err := r.loadMetadata(name, version)
	if err != nil {
		return meta, err
	}

	if verifyBeforeInstall {
		res, err := r.Verify(settings, token, name, version)
		if err != nil {
			return meta, err
		}
		if !res.OK {
			return meta, errkind.New(errkind.ControlError, "registry.Download", fmt.Errorf("%w: %s", ErrDigestMismatch, res.Reason))
		}
	}

	if err := copyTree(filepath.Join(dest, "bundle"), destDir); err != nil {
		return meta, errkind.New(errkind.ControlError, "registry.Download", err)
	}
	return meta, nil
}

// hashTree walks dir and returns every regular file's content address, in
// lexicographic path order, plus the total byte count.
func hashTree(dir string) ([]FileEntry, int64, error) {
	var files []FileEntry
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		digest, size, err := sha256File(path)
		if err != nil {
			return err
		}
		files = append(files, FileEntry{Path: filepath.ToSlash(rel), Bytes: size, SHA256: digest})
		total += size
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, total, nil
}

func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// aggregateDigest implements the disambiguated §3 package digest: for each
// file in lexicographic path order, hash path || 0x00 || hexDigest || 0x00
// || byte-count-as-little-endian-uint64 — hexDigest, not the raw 32-byte
// sha256, per the reference implementation.
func aggregateDigest(files []FileEntry) string {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write([]byte(f.SHA256))
		h.Write([]byte{0})
		binary.Write(h, binary.LittleEndian, uint64(f.Bytes))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errkind.New(errkind.ControlError, "registry.writeJSON", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errkind.New(errkind.ControlError, "registry.writeJSON", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errkind.New(errkind.ControlError, "registry.writeJSON", err)
	}
	return nil
}

func copyTree(srcDir, destDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

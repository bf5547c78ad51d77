package collector

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"k8s-netremedy/internal/types"
)

// fileSet accumulates archive members in memory
type fileSet struct {
	mu    sync.Mutex
	files map[string]string
}

func newFileSet() *fileSet {
	return &fileSet{files: make(map[string]string)}
}

// Add stores content under a slash-separated relative name
func (f *fileSet) Add(name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = content
}

func (f *fileSet) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.files))
	for n := range f.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *fileSet) get(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[name]
}

// writeArchive writes the bundle under the configured output directory,
// falling back to the system temp directory when that is not writable
func (c *Collector) writeArchive(createdAt time.Time, files *fileSet, bundle *types.DiagnosticsBundle) (string, error) {
	base := fmt.Sprintf("netremedy-diagnostics-%s-%s", createdAt.Format("20060102-150405"), c.id())

	var result error
	for _, dir := range c.archiveDirs() {
		archivePath := filepath.Join(dir, base+".tar.gz")

		manifest := *bundle
		manifest.ArchivePath = archivePath
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "failed to encode bundle manifest")
		}
		files.Add("bundle.json", string(data))

		if err := writeTarGz(archivePath, base, files); err != nil {
			result = multierror.Append(result, err)
			c.logger.Warn("Could not write diagnostics archive", zap.String("dir", dir), zap.Error(err))
			continue
		}
		return archivePath, nil
	}
	return "", errors.Wrap(result, "no writable location for the diagnostics archive")
}

// archiveID keeps archives written within the same second apart
func archiveID() string {
	return uuid.NewString()[:8]
}

func (c *Collector) archiveDirs() []string {
	var dirs []string
	if c.opts.OutputDir != "" {
		dirs = append(dirs, c.opts.OutputDir)
	}
	if tmp := os.TempDir(); tmp != c.opts.OutputDir {
		dirs = append(dirs, tmp)
	}
	return dirs
}

// writeTarGz streams files into a gzip-compressed tarball rooted at prefix.
// The archive is built under a temporary name and renamed into place.
func writeTarGz(archivePath, prefix string, files *fileSet) (err error) {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(archivePath))
	}

	partial := archivePath + ".partial"
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create archive")
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(partial)
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	modTime := time.Now()

	for _, name := range files.names() {
		content := files.get(name)
		hdr := &tar.Header{
			Name:    path.Join(prefix, name),
			Mode:    0644,
			Size:    int64(len(content)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "failed to write header for %s", name)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return errors.Wrapf(err, "failed to write %s", name)
		}
	}

	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "failed to finish tar stream")
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "failed to finish gzip stream")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "failed to close archive")
	}
	return os.Rename(partial, archivePath)
}

package efio

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// BackupMetadata is the metadata.json blob embedded in every bundle.
type BackupMetadata struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Files     []string  `json:"files"`
}

// BackupInfo describes one bundle on disk.
type BackupInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupManager bundles the configuration store into tar.gz archives and
// restores them.
type BackupManager struct {
	store *ConfigStore
	dir   string
}

func NewBackupManager(store *ConfigStore, dir string) (*BackupManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup dir: %w", err)
	}
	return &BackupManager{store: store, dir: dir}, nil
}

// Create writes a tar.gz of every present config file plus metadata.json
// and returns the bundle path.
func (b *BackupManager) Create(name string) (string, error) {
	if name == "" {
		name = "efio-backup"
	}
	if strings.ContainsAny(name, "/\\") {
		return "", newValidationError("backup name must not contain path separators")
	}
	stamp := time.Now().Format("20060102-150405")
	bundlePath := filepath.Join(b.dir, fmt.Sprintf("%s-%s.tar.gz", name, stamp))

	out, err := os.Create(bundlePath)
	if err != nil {
		return "", err
	}
	defer out.Close()
	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	meta := BackupMetadata{Name: name, CreatedAt: time.Now()}
	for _, file := range configFiles {
		data, err := os.ReadFile(filepath.Join(b.store.Dir(), file))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", err
		}
		if err := writeTarFile(tw, file, data); err != nil {
			return "", err
		}
		meta.Files = append(meta.Files, file)
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeTarFile(tw, "metadata.json", metaBytes); err != nil {
		return "", err
	}
	log.Infof("[BACKUP] created %s with %d file(s)", bundlePath, len(meta.Files))
	return bundlePath, nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// List returns the bundles in the backup directory, newest first.
func (b *BackupManager) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var out []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{
			Name:      entry.Name(),
			Path:      filepath.Join(b.dir, entry.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Restore extracts the known config files from a bundle into the config
// directory. Unknown entries are skipped; entries with path separators are
// rejected outright.
func (b *BackupManager) Restore(bundleName string) error {
	if strings.ContainsAny(bundleName, "/\\") {
		return newValidationError("bundle name must not contain path separators")
	}
	in, err := os.Open(filepath.Join(b.dir, bundleName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newNotFoundError("backup %s not found", bundleName)
		}
		return err
	}
	defer in.Close()
	gz, err := gzip.NewReader(in)
	if err != nil {
		return newValidationError("not a gzip bundle: %v", err)
	}
	defer gz.Close()

	known := map[string]bool{}
	for _, file := range configFiles {
		known[file] = true
	}

	tr := tar.NewReader(gz)
	restored := 0
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		name := filepath.Clean(header.Name)
		if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
			return newValidationError("bundle entry %q is not a plain file name", header.Name)
		}
		if !known[name] {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(b.store.Dir(), name), data, 0o644); err != nil {
			return err
		}
		restored++
	}
	log.Infof("[BACKUP] restored %d file(s) from %s", restored, bundleName)
	return nil
}

package releasestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/relgrid/relgrid/internal/platform"
)

const metadataSuffix = ".meta.json"

// SaveLocalMetadata writes a sidecar JSON file next to a packaged artifact
// so a later release run can reconstruct the artifact record, including the
// fingerprints of the inputs it was built from.
func SaveLocalMetadata(art Artifact) error {
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact metadata: %w", err)
	}
	if err := os.WriteFile(art.Path+metadataSuffix, data, 0o644); err != nil {
		return fmt.Errorf("write artifact metadata: %w", err)
	}
	return nil
}

// FromLocalFile reconstructs an artifact record for a local archive file.
// The sidecar written at package time is preferred; without one the record
// is rebuilt from the artifact's name and content.
func FromLocalFile(path string) (Artifact, error) {
	if data, err := os.ReadFile(path + metadataSuffix); err == nil {
		var art Artifact
		if err := json.Unmarshal(data, &art); err != nil {
			return Artifact{}, fmt.Errorf("decode artifact metadata for %s: %w", filepath.Base(path), err)
		}
		art.Path = path
		return art, nil
	}

	name := filepath.Base(path)
	product, version, target, err := platform.ParseArtifactName(name)
	if err != nil {
		return Artifact{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Artifact{}, fmt.Errorf("hash artifact: %w", err)
	}

	return Artifact{
		Target:      target,
		Product:     product,
		Version:     version,
		Name:        name,
		Path:        path,
		ContentHash: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// LoadLocalArtifacts reads every artifact sidecar under dir, sorted by
// artifact name. Sidecars whose artifact file is gone are skipped.
func LoadLocalArtifacts(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read artifact directory: %w", err)
	}

	var out []Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metadataSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var art Artifact
		if err := json.Unmarshal(data, &art); err != nil {
			return nil, fmt.Errorf("decode artifact metadata %s: %w", entry.Name(), err)
		}
		// The sidecar may have been copied along with a relocated artifact.
		art.Path = filepath.Join(dir, art.Name)
		if _, err := os.Stat(art.Path); err != nil {
			continue
		}
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

package preflight

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const dockerfileName = "Dockerfile"

// Directories never worth descending into during the scan.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	".repobox":     true,
}

// Suffixes marking a Dockerfile as a non-canonical or disabled copy.
var backupSuffixes = []string{
	".bak", ".backup", ".old", ".orig", ".disabled", ".save", ".off",
}

// scanResult holds the classified candidates, repo-relative with slash
// separators, sorted for determinism.
type scanResult struct {
	Primary []string
	Backup  []string
}

// scanDockerfiles walks the tree up to maxDepth levels below root and
// classifies every file matching Dockerfile naming conventions.
func scanDockerfiles(root string, maxDepth int) (*scanResult, error) {
	res := &scanResult{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		depth := strings.Count(filepath.ToSlash(rel), "/")

		if d.IsDir() {
			if skipDirs[d.Name()] || depth >= maxDepth {
				return fs.SkipDir
			}
			return nil
		}

		switch classifyDockerfile(d.Name()) {
		case candidatePrimary:
			res.Primary = append(res.Primary, filepath.ToSlash(rel))
		case candidateBackup:
			res.Backup = append(res.Backup, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, err
	}

	sort.Strings(res.Primary)
	sort.Strings(res.Backup)
	return res, nil
}

type candidateKind int

const (
	candidateNone candidateKind = iota
	candidatePrimary
	candidateBackup
)

// classifyDockerfile maps a file name to a candidate kind. The canonical
// name is primary; suffixed or alternate spellings suggesting a disabled
// copy are backups.
func classifyDockerfile(name string) candidateKind {
	if name == dockerfileName {
		return candidatePrimary
	}

	lower := strings.ToLower(name)
	if !strings.HasPrefix(lower, "dockerfile") && !strings.HasSuffix(lower, ".dockerfile") {
		return candidateNone
	}
	if lower == "dockerfile" {
		// Lower-cased canonical spelling still counts as a backup: some
		// builders refuse it, so it is not auto-selected.
		return candidateBackup
	}
	for _, suffix := range backupSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return candidateBackup
		}
	}
	if strings.HasSuffix(lower, ".dockerfile") {
		return candidateBackup
	}
	if strings.HasPrefix(lower, "dockerfile.") {
		// Dockerfile.<variant>: alternate copy, not auto-selected.
		return candidateBackup
	}
	return candidateNone
}

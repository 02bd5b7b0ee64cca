package preflight

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/repobox/control-plane/internal/models"
)

// genTreeFiles generates a random small repository tree: a subset of
// plausible files, including Dockerfile variants at various depths.
func genTreeFiles() gopter.Gen {
	candidates := []string{
		"Dockerfile",
		"docker/Dockerfile",
		"deploy/Dockerfile",
		"Dockerfile.bak",
		"dev.Dockerfile",
		"docker-compose.yml",
		"go.mod",
		"package.json",
		"README.md",
		"src/main.py",
	}
	return gen.SliceOf(gen.IntRange(0, len(candidates)-1)).Map(func(idx []int) []string {
		seen := make(map[string]bool)
		var files []string
		for _, i := range idx {
			if !seen[candidates[i]] {
				seen[candidates[i]] = true
				files = append(files, candidates[i])
			}
		}
		return files
	})
}

// TestDecideIsDeterministic verifies that for any tree and no explicit
// directives, repeated invocations return an identical decision record,
// including the selection reason.
func TestDecideIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated Decide calls agree", prop.ForAll(
		func(files []string) bool {
			root := t.TempDir()
			for _, f := range files {
				path := filepath.Join(root, f)
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return false
				}
				if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
					return false
				}
			}

			engine := NewEngine(nil)
			first, firstErr := engine.Decide(root, models.BuildDirectives{})
			second, secondErr := engine.Decide(root, models.BuildDirectives{})

			if (firstErr == nil) != (secondErr == nil) {
				return false
			}
			if firstErr != nil {
				return firstErr.Error() == secondErr.Error()
			}
			return decisionsEqual(first, second)
		},
		genTreeFiles(),
	))

	properties.TestingRun(t)
}

func decisionsEqual(a, b *models.PreflightDecision) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

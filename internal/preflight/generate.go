package preflight

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ecosystem describes repository evidence for a known language/framework.
type ecosystem struct {
	Name     string
	Manifest string
}

// goVersionRegex matches the go directive in go.mod ("go 1.22" or "go 1.22.0").
var goVersionRegex = regexp.MustCompile(`^go\s+(\d+\.\d+)`)

// detectEcosystem probes the context root for manifest files signaling a
// known ecosystem. Probe order is fixed so detection stays deterministic
// when a repository carries multiple manifests.
func detectEcosystem(root string) *ecosystem {
	probes := []ecosystem{
		{Name: "go", Manifest: "go.mod"},
		{Name: "node", Manifest: "package.json"},
		{Name: "rust", Manifest: "Cargo.toml"},
		{Name: "python", Manifest: "requirements.txt"},
		{Name: "python", Manifest: "pyproject.toml"},
	}
	for _, p := range probes {
		if _, err := os.Stat(filepath.Join(root, p.Manifest)); err == nil {
			eco := p
			return &eco
		}
	}
	return nil
}

// generated describes the synthesized build recipe.
type generated struct {
	// DockerfilePath is the synthesized Dockerfile, relative to the
	// context root.
	DockerfilePath string
	// Files lists everything written, relative to the context root.
	Files []string
}

// generate writes a minimal build recipe for the detected ecosystem into
// the scoped output directory. The original tree is not touched.
func (e *Engine) generate(root string, eco *ecosystem) (*generated, error) {
	outDir := filepath.Join(root, e.cfg.GeneratedDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var content string
	switch eco.Name {
	case "go":
		content = goDockerfile(root)
	case "node":
		content = nodeDockerfile(root)
	case "rust":
		content = rustDockerfile()
	case "python":
		content = pythonDockerfile(eco.Manifest)
	default:
		return nil, fmt.Errorf("no recipe template for ecosystem %q", eco.Name)
	}

	rel := filepath.Join(e.cfg.GeneratedDir, dockerfileName)
	if err := os.WriteFile(filepath.Join(root, rel), []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing generated dockerfile: %w", err)
	}

	return &generated{
		DockerfilePath: rel,
		Files:          []string{rel},
	}, nil
}

// goDockerfile renders a two-stage build for a Go module, pinning the
// toolchain to the go.mod directive when one can be parsed.
func goDockerfile(root string) string {
	version := parseGoVersion(filepath.Join(root, "go.mod"))
	if version == "" {
		version = "1.24"
	}
	return fmt.Sprintf(`FROM golang:%s AS build
WORKDIR /src
COPY . .
RUN go build -o /out/app .

FROM gcr.io/distroless/base-debian12
COPY --from=build /out/app /app
ENTRYPOINT ["/app"]
`, version)
}

func parseGoVersion(goModPath string) string {
	f, err := os.Open(goModPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m := goVersionRegex.FindStringSubmatch(scanner.Text()); m != nil {
			return m[1]
		}
	}
	return ""
}

// packageJSON is the subset of package.json the generator cares about.
type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// nodeDockerfile renders a Node recipe, adding a build step only when the
// package declares one.
func nodeDockerfile(root string) string {
	var pkg packageJSON
	if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
		_ = json.Unmarshal(data, &pkg)
	}

	buildStep := ""
	if _, ok := pkg.Scripts["build"]; ok {
		buildStep = "RUN npm run build\n"
	}
	start := `CMD ["npm", "start"]`
	if _, ok := pkg.Scripts["start"]; !ok {
		start = `CMD ["node", "."]`
	}

	return fmt.Sprintf(`FROM node:20-alpine
WORKDIR /app
COPY package*.json ./
RUN npm ci || npm install
COPY . .
%s%s
`, buildStep, start)
}

func rustDockerfile() string {
	return `FROM rust:1-slim AS build
WORKDIR /src
COPY . .
RUN cargo build --release && cp target/release/$(cargo pkgid | sed 's/.*\///;s/[#@].*//') /out-app

FROM debian:bookworm-slim
COPY --from=build /out-app /app
ENTRYPOINT ["/app"]
`
}

func pythonDockerfile(manifest string) string {
	install := "RUN pip install --no-cache-dir -r requirements.txt\n"
	if manifest == "pyproject.toml" {
		install = "RUN pip install --no-cache-dir .\n"
	}
	return fmt.Sprintf(`FROM python:3.12-slim
WORKDIR /app
COPY . .
%sCMD ["python", "main.py"]
`, install)
}

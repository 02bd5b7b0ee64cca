package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/archive"
	"github.com/repobox/control-plane/internal/runtime"
)

// buildTailLines is how many trailing output lines a BuildError carries.
const buildTailLines = 20

// Build constructs an image from the spec's context directory and
// Dockerfile, forwarding every builder output line as it is produced.
func (r *Runtime) Build(ctx context.Context, spec runtime.BuildSpec, out runtime.LogLine) (string, error) {
	buildCtx, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", &runtime.BuildError{Err: fmt.Errorf("taring build context: %w", err)}
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(spec.Params.BuildArgs))
	for k := range spec.Params.BuildArgs {
		v := spec.Params.BuildArgs[k]
		args[k] = &v
	}

	networkMode := spec.Params.Network
	if networkMode == "" {
		networkMode = r.cfg.Network
	}

	resp, err := r.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{spec.Tag},
		Dockerfile:  spec.Dockerfile,
		NoCache:     spec.Params.NoCache,
		NetworkMode: networkMode,
		BuildArgs:   args,
		Remove:      true,
	})
	if err != nil {
		return "", &runtime.BuildError{Err: fmt.Errorf("starting image build: %w", err)}
	}
	defer resp.Body.Close()

	// The response body is a JSON message stream; each message carries a
	// chunk of builder output or a terminal error detail.
	var tail []string
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			break
		}
		if msg.Error != "" {
			tail = appendTail(tail, msg.Error)
			out(msg.Error)
			return "", &runtime.BuildError{
				Tail: tail,
				Err:  fmt.Errorf("%s", msg.Error),
			}
		}
		for _, line := range splitLines(msg.Stream) {
			tail = appendTail(tail, line)
			out(line)
		}
	}

	r.logger.Debug("image built", "tag", spec.Tag)
	return spec.Tag, nil
}

func splitLines(chunk string) []string {
	chunk = strings.TrimRight(chunk, "\n")
	if chunk == "" {
		return nil
	}
	return strings.Split(chunk, "\n")
}

func appendTail(tail []string, line string) []string {
	tail = append(tail, line)
	if len(tail) > buildTailLines {
		tail = tail[1:]
	}
	return tail
}

package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"okcvm/pkg/tool"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// runtimeImages maps a requested runtime name to the image used to execute it.
var runtimeImages = map[string]string{
	"python":     "python:3.12-slim",
	"node":       "node:20-slim",
	"javascript": "node:20-slim",
	"bash":       "bash:5",
}

const defaultExecuteCodeImage = "python:3.12-slim"

type executeCodeInput struct {
	Runtime string `json:"runtime"`
	Code    string `json:"code"`
	Timeout int    `json:"timeout,omitempty"`
}

type executeCodeOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// ExecuteCodeHandler runs one snippet of code to completion inside a
// throwaway, network-isolated Docker container and returns its stdout,
// stderr and exit code. One container is created and removed per call; the
// kernel does not keep a session-affine container pool.
func ExecuteCodeHandler() (tool.Handler, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("execute_code: docker client: %w", err)
	}

	return func(cc tool.CallContext, raw json.RawMessage) (json.RawMessage, error) {
		var in executeCodeInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode execute_code input: %w", err)
		}
		if strings.TrimSpace(in.Code) == "" {
			return nil, fmt.Errorf("code is required")
		}

		timeout := 30 * time.Second
		if in.Timeout > 0 {
			timeout = time.Duration(in.Timeout) * time.Second
		}

		execCtx, cancel := context.WithTimeout(cc.Context, timeout+10*time.Second)
		defer cancel()

		out, err := runInContainer(execCtx, cli, in, cc.WorkspaceRoot, timeout)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}, nil
}

func runInContainer(ctx context.Context, cli *client.Client, in executeCodeInput, workspaceRoot string, timeout time.Duration) (*executeCodeOutput, error) {
	img := runtimeImages[strings.ToLower(in.Runtime)]
	if img == "" {
		img = defaultExecuteCodeImage
	}

	if _, _, err := cli.ImageInspectWithRaw(ctx, img); err != nil {
		pullReader, pullErr := cli.ImagePull(ctx, img, image.PullOptions{})
		if pullErr != nil {
			return nil, fmt.Errorf("execute_code: pull %s: %w", img, pullErr)
		}
		defer pullReader.Close()
		io.Copy(io.Discard, pullReader)
	}

	containerName := fmt.Sprintf("okcvm-exec-%s", uuid.New().String())
	cmd := runnerCommand(in.Runtime, in.Code, int(timeout.Seconds()))

	containerCfg := &container.Config{
		Image:      img,
		Cmd:        cmd,
		WorkingDir: "/work",
		Labels:     map[string]string{"okcvm.execute_code": "true"},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   512 * 1024 * 1024,
			NanoCPUs: 1_000_000_000,
		},
	}

	resp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("execute_code: create container: %w", err)
	}
	defer cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("execute_code: start container: %w", err)
	}

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	var timedOut bool
	select {
	case err := <-errCh:
		if err != nil && ctx.Err() != nil {
			timedOut = true
		} else if err != nil {
			return nil, fmt.Errorf("execute_code: wait container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		timedOut = true
	}

	logsReader, err := cli.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("execute_code: read logs: %w", err)
	}
	defer logsReader.Close()

	var stdout, stderr bytes.Buffer
	stdcopy.StdCopy(&stdout, &stderr, logsReader)

	if timedOut {
		exitCode = 124
	}

	return &executeCodeOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		TimedOut: timedOut,
	}, nil
}

func runnerCommand(runtime, code string, timeoutSeconds int) []string {
	var inner string
	switch strings.ToLower(runtime) {
	case "node", "javascript":
		inner = fmt.Sprintf("node -e %q", code)
	case "bash":
		inner = fmt.Sprintf("bash -c %q", code)
	default:
		inner = fmt.Sprintf("python3 -c %q", code)
	}
	return []string{"sh", "-c", fmt.Sprintf("timeout %d %s", timeoutSeconds, inner)}
}

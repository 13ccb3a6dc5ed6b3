package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"hookd/pkg/model"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"
)

const DefaultImage = "alpine:latest"

type DockerExecutor struct {
	cli          *client.Client
	defaultImage string
	pull         bool
}

// NewDockerExecutor 从环境变量或默认路径连接本地 Docker
func NewDockerExecutor(defaultImage string, pull bool) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if defaultImage == "" {
		defaultImage = DefaultImage
	}
	return &DockerExecutor{cli: cli, defaultImage: defaultImage, pull: pull}, nil
}

func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

// Run 在一次性容器里执行 chunk 的命令。退出码非 0 也算失败，日志照常返回。
func (e *DockerExecutor) Run(ctx context.Context, chunk *model.Chunk) (string, error) {
	image := chunk.Spec.Image
	if image == "" {
		image = e.defaultImage
	}
	logger := log.With().Str("chunk", chunk.ID).Str("image", image).Logger()

	if e.pull {
		reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
		if err != nil {
			return "", fmt.Errorf("pull %s: %w", image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   chunk.Spec.Command,
		Env:   chunk.Spec.Envs,
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	logger.Debug().Str("container", containerID[:12]).Msg("container created")

	// 不管结果如何都清理容器
	defer e.cli.ContainerRemove(context.WithoutCancel(ctx), containerID, types.ContainerRemoveOptions{Force: true})

	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("wait container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	outReader, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer outReader.Close()

	// stdcopy 会把 docker 的多路复用流拆分，写入 buf
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, outReader); err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}

	if exitCode != 0 {
		return buf.String(), fmt.Errorf("container exited with code %d", exitCode)
	}
	logger.Debug().Msg("container finished")
	return buf.String(), nil
}

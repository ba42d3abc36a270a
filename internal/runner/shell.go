package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ShellTask returns a TaskFunc that runs command with sh -c, feeding the
// task parameters on stdin. Stdout, minus trailing newlines, becomes the
// result. A non-zero exit fails the task with the command's stderr, or the
// exit status when stderr is empty.
func ShellTask(command string) TaskFunc {
	return func(ctx context.Context, parameters string) (string, error) {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = strings.NewReader(parameters)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", errors.New(msg)
			}
			return "", fmt.Errorf("task command: %w", err)
		}
		return strings.TrimRight(stdout.String(), "\n"), nil
	}
}

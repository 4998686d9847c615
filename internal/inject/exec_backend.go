package inject

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// runner wraps one configured command line. The command is parsed once at
// construction; per-call arguments are appended to the configured ones.
type runner struct {
	argv []string
}

func newRunner(command string) (runner, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return runner{}, fmt.Errorf("inject: parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return runner{}, fmt.Errorf("inject: empty command")
	}
	return runner{argv: argv}, nil
}

func (r runner) available() bool {
	if len(r.argv) == 0 {
		return false
	}
	_, err := exec.LookPath(r.argv[0])
	return err == nil
}

// run executes the command, feeding stdin when non-empty and folding
// captured stderr into the returned error.
func (r runner) run(ctx context.Context, stdin string, extraArgs ...string) error {
	cmd := exec.CommandContext(ctx, r.argv[0], append(append([]string{}, r.argv[1:]...), extraArgs...)...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", r.argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", r.argv[0], err)
	}
	return nil
}

// output executes the command and returns trimmed stdout.
func (r runner) output(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", r.argv[0], err, msg)
		}
		return "", fmt.Errorf("%s: %w", r.argv[0], err)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

package shell

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

type Command struct {
	Cmd    *exec.Cmd
	stderr bytes.Buffer
}

func NewCommand(ctx context.Context, command string, args ...string) *Command {
	c := &Command{Cmd: exec.CommandContext(ctx, command, args...)}
	c.Cmd.Stderr = &c.stderr
	return c
}

// RunAndCollectStdout runs the command and returns its trimmed stdout.
// A failed command's stderr is attached to the returned error.
func (c *Command) RunAndCollectStdout() (string, error) {
	data, err := c.Cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
			return "", errors.Wrap(err, msg)
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// FirstLine runs the command and returns the first non-empty line of its combined output,
// which is where compilers and interpreters print their version.
func FirstLine(ctx context.Context, command string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, command, args...).CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "%s %s", command, strings.Join(args, " "))
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", nil
}

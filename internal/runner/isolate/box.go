package isolate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cutekitek/rankode-exec/pkg/shell"
	"github.com/pkg/errors"
)

type IsolatedBox struct {
	BoxId    int
	FilesDir string
	exe      string
}

type runParams struct {
	// kilobytes
	MaxFileSize int64
	Timeout     time.Duration
	// kilobytes, 0 disables the cgroup memory limit
	MemoryLimit int64
	Processes   int
	// file name inside the box, empty for /dev/null
	Stdin string
}

type runnableWithMeta struct {
	Cmd  *exec.Cmd
	Meta metaFile
}

func NewIsolatedBox(ctx context.Context, exe string, boxId int) (*IsolatedBox, error) {
	// a box left over by a crashed process refuses --init
	shell.NewCommand(ctx, exe, "--cg", boxArg(boxId), "--cleanup").RunAndCollectStdout()

	baseDir, err := shell.NewCommand(ctx, exe, "--cg", boxArg(boxId), "--init").RunAndCollectStdout()
	if err != nil {
		return nil, errors.Wrap(err, "failed to init isolate box")
	}
	return &IsolatedBox{
		BoxId:    boxId,
		FilesDir: filepath.Join(baseDir, "box"),
		exe:      exe,
	}, nil
}

func boxArg(id int) string {
	return fmt.Sprintf("--box-id=%d", id)
}

func (b *IsolatedBox) Run(ctx context.Context, params runParams, args ...string) (*runnableWithMeta, error) {
	metafile, err := os.CreateTemp("", "boxmeta")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create a meta file")
	}
	metafile.Close()

	seconds := params.Timeout.Seconds()
	isolateArgs := []string{
		"--cg",
		boxArg(b.BoxId),
		"--meta=" + metafile.Name(),
		fmt.Sprintf("--time=%f", seconds),
		fmt.Sprintf("--wall-time=%f", seconds),
		"--extra-time=0.5",
		fmt.Sprintf("--fsize=%d", params.MaxFileSize),
		fmt.Sprintf("--processes=%d", params.Processes),
		"--env=PATH=/usr/local/bin:/usr/bin:/bin",
		"--env=HOME=/box",
		// /usr/bin/java and friends are symlinks into it
		"--dir=/etc/alternatives:maybe",
	}
	if params.MemoryLimit > 0 {
		isolateArgs = append(isolateArgs, fmt.Sprintf("--cg-mem=%d", params.MemoryLimit))
	}
	if params.Stdin != "" {
		isolateArgs = append(isolateArgs, "--stdin="+params.Stdin)
	}
	isolateArgs = append(isolateArgs, "--run", "--")

	cmd := exec.CommandContext(ctx, b.exe, append(isolateArgs, args...)...)
	// isolate tears the box processes down on SIGTERM
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = time.Second
	return &runnableWithMeta{Cmd: cmd, Meta: metaFile{path: metafile.Name()}}, nil
}

func (b *IsolatedBox) Clean(ctx context.Context) error {
	_, err := shell.NewCommand(ctx, b.exe, "--cg", boxArg(b.BoxId), "--cleanup").RunAndCollectStdout()
	return err
}

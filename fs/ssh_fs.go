package fs

import (
	"bytes"
	"fmt"
	"os/exec"
)

type CmdOut struct {
	ExitCode int
	StdOut   string
	StdErr   string
}

// SshFS pushes files to a remote access point with rsync over ssh.
type SshFS struct {
	User  string
	Endpt string
}

func NewSshFS(user, endpt string) SshFS {
	return SshFS{User: user, Endpt: endpt}
}

func LocalRunCmd(cmdStr string) (CmdOut, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command("sh", "-c", cmdStr)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var err error
	exitCode := 0
	if err = cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	return CmdOut{
		ExitCode: exitCode,
		StdOut:   stdout.String(),
		StdErr:   stderr.String(),
	}, err
}

func (fs SshFS) UploadCmd(src, dst string) string {
	return fmt.Sprintf(
		"rsync --mkpath -a -e ssh %s %s@%s:%s", src, fs.User, fs.Endpt, dst,
	)
}

func (fs SshFS) Upload(src, dst string) error {
	rsyncCmdStr := fs.UploadCmd(src, dst)
	out, err := LocalRunCmd(rsyncCmdStr)
	if err != nil {
		return fmt.Errorf(
			"\"%s\" failed with exit code %d: %w (stderr %s)",
			rsyncCmdStr, out.ExitCode, err, out.StdErr,
		)
	}
	return nil
}

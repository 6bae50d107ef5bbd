package workflow

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"ospool-executor/fs"
	"ospool-executor/parsing"
)

// CmdRunner runs one shell command line on the access point.
type CmdRunner func(string) (fs.CmdOut, error)

// JoinCommand renders argv as a single shell command line.
func JoinCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = parsing.ShellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func cmdError(cmd string, out fs.CmdOut, err error) error {
	return fmt.Errorf(
		"\"%s\" failed with exit code %d, error %s, and stderr %s",
		cmd, out.ExitCode, err, strings.TrimSpace(out.StdErr),
	)
}

// SshRunner keeps one ssh connection to a remote access point and
// reconnects when a session can no longer be opened on it.
type SshRunner struct {
	Config     parsing.SshConfig
	Mtx        sync.RWMutex
	Client     *ssh.Client
	ConnConfig *ssh.ClientConfig
}

func GetTemporalQueueName(config *parsing.SshConfig) string {
	if config == nil {
		return "condor@localhost"
	}
	return fmt.Sprintf("condor-%s@%s", config.User, config.IpAddr)
}

// sshAddr adds the default port when addr has none.
func sshAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "22")
	}
	return addr
}

func (r *SshRunner) ensureConnected() (*ssh.Client, error) {
	r.Mtx.RLock()
	c := r.Client
	r.Mtx.RUnlock()

	if c != nil {
		return c, nil
	}

	r.Mtx.Lock()
	defer r.Mtx.Unlock()
	// Another goroutine may have reconnected meanwhile.
	if r.Client != nil {
		return r.Client, nil
	}

	client, err := ssh.Dial("tcp", sshAddr(r.Config.IpAddr), r.ConnConfig)
	if err != nil {
		return nil, err
	}
	r.Client = client
	return client, nil
}

func (r *SshRunner) Close() {
	r.Mtx.Lock()
	defer r.Mtx.Unlock()
	if r.Client != nil {
		r.Client.Close()
		r.Client = nil
	}
}

func (r *SshRunner) newSession() (*ssh.Session, error) {
	client, err := r.ensureConnected()
	if err != nil {
		return nil, fmt.Errorf(
			"unable to connect to %s@%s: %w", r.Config.User, r.Config.IpAddr, err,
		)
	}

	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}

	// A stale client cannot open sessions; drop it and dial again.
	r.Close()
	client, err = r.ensureConnected()
	if err != nil {
		return nil, fmt.Errorf("error reconnecting to ssh: %w", err)
	}
	session, err = client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("error getting ssh session: %w", err)
	}
	return session, nil
}

func (r *SshRunner) ExecCmd(cmd string) (fs.CmdOut, error) {
	session, err := r.newSession()
	if err != nil {
		return fs.CmdOut{}, err
	}
	defer session.Close()

	fullCmd := cmd
	if r.Config.CmdPrefix != nil {
		fullCmd = fmt.Sprintf("%s %s", *r.Config.CmdPrefix, cmd)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(fullCmd)
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		}
	}
	return fs.CmdOut{
		ExitCode: exitCode,
		StdOut:   stdout.String(),
		StdErr:   stderr.String(),
	}, err
}

// AwaitFileExistence gives a shared filesystem a grace period to make a
// file written on an execute node visible on the access point.
func AwaitFileExistence(path string, runCmd CmdRunner, grace time.Duration) bool {
	lsCmd := JoinCommand([]string{"ls", path})
	if lsOut, err := runCmd(lsCmd); err == nil && lsOut.ExitCode == 0 {
		return true
	}
	if grace <= 0 {
		return false
	}

	time.Sleep(grace)
	lsOut, err := runCmd(lsCmd)
	return err == nil && lsOut.ExitCode == 0
}

func readRemoteFile(path string, runCmd CmdRunner, grace time.Duration) (string, error) {
	if !AwaitFileExistence(path, runCmd, grace) {
		return "", fmt.Errorf("%s does not exist", path)
	}

	catCmd := JoinCommand([]string{"cat", path})
	out, err := runCmd(catCmd)
	if err != nil {
		return "", cmdError(catCmd, out, err)
	}
	return out.StdOut, nil
}

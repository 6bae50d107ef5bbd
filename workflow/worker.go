package workflow

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"ospool-executor/fs"
	"ospool-executor/parsing"
)

// checkDeps looks for the binaries the executor shells out to on this
// host. With a submit host, condor runs remotely and only rsync is
// needed locally.
func checkDeps(config parsing.ExecutorConfig) error {
	required := []string{"condor_submit", "condor_q", "condor_rm"}
	if config.SubmitHost != nil {
		required = []string{"rsync"}
	}

	missingDeps := make([]string, 0)
	for _, bin := range required {
		if _, err := exec.LookPath(bin); err != nil {
			missingDeps = append(missingDeps, bin)
		}
	}
	if len(missingDeps) == 0 {
		return nil
	}
	return fmt.Errorf("missing required binaries %s", strings.Join(missingDeps, ", "))
}

// NewRunner gives a CmdRunner for the configured access point: the local
// shell, or an ssh connection to submit_host. The returned func closes
// any connection.
func NewRunner(config parsing.ExecutorConfig) (CmdRunner, func(), error) {
	if config.SubmitHost == nil {
		return fs.LocalRunCmd, func() {}, nil
	}

	sshClient, connConfig, err := getSshConnection(*config.SubmitHost)
	if err != nil {
		return nil, nil, fmt.Errorf(
			"error establishing ssh client to %s@%s: %w",
			config.SubmitHost.User, config.SubmitHost.IpAddr, err,
		)
	}
	runner := &SshRunner{
		Config:     *config.SubmitHost,
		Client:     sshClient,
		ConnConfig: connConfig,
	}
	return runner.ExecCmd, runner.Close, nil
}

// StartCondorWorker serves the poller workflow and its activities on
// the executor's queue until cancelChan fires.
func StartCondorWorker(
	c client.Client, executor *CondorExecutor, cancelChan <-chan interface{},
) error {
	if err := checkDeps(executor.Config); err != nil {
		return err
	}
	if err := executor.Init(); err != nil {
		return err
	}

	activity := &CondorActivity{Executor: executor}
	queueName := GetTemporalQueueName(executor.Config.SubmitHost)
	w := worker.New(c, queueName, worker.Options{
		MaxConcurrentActivityExecutionSize: 3,
	})
	w.RegisterWorkflow(CondorPollerWorkflow)
	w.RegisterActivity(activity.SubmitCondorJobActivity)
	w.RegisterActivity(activity.PollCondorQueueActivity)
	w.RegisterActivity(activity.RemoveCondorJobActivity)
	w.RegisterActivity(activity.GetCondorJobResultActivity)

	executor.Logger.Info("Starting condor worker", "queue", queueName)
	if err := w.Run(cancelChan); err != nil {
		return fmt.Errorf("unable to start condor worker: %w", err)
	}
	return nil
}

func getSshConnection(conf parsing.SshConfig) (*ssh.Client, *ssh.ClientConfig, error) {
	authMethods, err := BuildAuthMethods()
	if err != nil {
		return nil, nil, fmt.Errorf("ssh auth error: %w", err)
	}

	hostKeyCallback, err := getHostKeyCallback()
	if err != nil {
		return nil, nil, fmt.Errorf("error getting host keys: %w", err)
	}

	connConfig := &ssh.ClientConfig{
		User:            conf.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}

	client, err := ssh.Dial("tcp", sshAddr(conf.IpAddr), connConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("error connecting to server: %w", err)
	}
	return client, connConfig, nil
}

// Agent first, then every unencrypted key in ~/.ssh.
func BuildAuthMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if am, ok := getAgentAuth(); ok {
		methods = append(methods, am)
	}

	keyAuth, err := getAllKeyAuth()
	if err != nil {
		return nil, err
	}
	if keyAuth != nil {
		methods = append(methods, keyAuth)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable SSH auth methods found")
	}
	return methods, nil
}

func getAgentAuth() (ssh.AuthMethod, bool) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, false
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, false
	}
	ag := agent.NewClient(conn)
	signers, err := ag.Signers()
	if err != nil || len(signers) == 0 {
		return nil, false
	}
	return ssh.PublicKeys(signers...), true
}

// Load all usable keys from ~/.ssh/; passphrase-protected keys are skipped
func getAllKeyAuth() (ssh.AuthMethod, error) {
	usr, err := user.Current()
	if err != nil {
		return nil, err
	}
	sshDir := filepath.Join(usr.HomeDir, ".ssh")
	entries, err := os.ReadDir(sshDir)
	if err != nil {
		return nil, err
	}

	var signers []ssh.Signer
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		path := filepath.Join(sshDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue // unreadable
		}

		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			slog.Debug("Skipping unreadable or passphrase-protected key", "path", path)
			continue
		}
		signers = append(signers, signer)
	}

	if len(signers) == 0 {
		return nil, nil
	}
	return ssh.PublicKeys(signers...), nil
}

// host key verification from known_hosts
func getHostKeyCallback() (ssh.HostKeyCallback, error) {
	usr, err := user.Current()
	if err != nil {
		return nil, err
	}
	return knownhosts.New(filepath.Join(usr.HomeDir, ".ssh", "known_hosts"))
}

package fs

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const (
	StagedDirPrefix = ".staged-"
	secretsDirName  = "secrets"
	// Parent of the secrets dir in the engine's home store layout
	// (~/.nextflow/secrets).
	secretsParentName = ".nextflow"
	secretsFileMode   = 0o600
)

var secretFileRe = regexp.MustCompile(`^\.nf-[A-Za-z0-9_]+\.secrets$`)

// Top-level entries never copied out of an ordinary directory: prior task
// work dirs, VCS metadata, engine state, and published results.
var excludedTopLevel = map[string]struct{}{
	"work":      {},
	".git":      {},
	".nextflow": {},
	"results":   {},
}

// StagingRecord remembers where an unreachable directory was copied to.
type StagingRecord struct {
	Original string `json:"original"`
	Staged   string `json:"staged"`
}

// Stager copies directories which are not reachable from the execution
// sandbox into Root, which is.
type Stager struct {
	Root   string
	Logger *slog.Logger
}

func NewStager(root string, logger *slog.Logger) Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return Stager{Root: root, Logger: logger}
}

// StagedPath is the deterministic staging location for srcDir.
func (s Stager) StagedPath(srcDir string) string {
	return filepath.Join(s.Root, StagedDirPrefix+filepath.Base(filepath.Clean(srcDir)))
}

// IsSecretsDir reports whether dir follows the secrets store layout.
func IsSecretsDir(dir string) bool {
	clean := filepath.Clean(dir)
	return filepath.Base(clean) == secretsDirName &&
		filepath.Base(filepath.Dir(clean)) == secretsParentName
}

func IsSecretFile(name string) bool {
	return secretFileRe.MatchString(name)
}

// Stage copies srcDir under Root and returns the record of the move. Any
// previous copy at the destination is replaced.
func (s Stager) Stage(srcDir string) (StagingRecord, error) {
	absSrc, err := filepath.Abs(srcDir)
	if err != nil {
		return StagingRecord{}, stagingError(err, srcDir)
	}
	dst := s.StagedPath(absSrc)

	info, err := os.Stat(absSrc)
	if err != nil {
		return StagingRecord{}, stagingError(err, absSrc)
	}
	if !info.IsDir() {
		return StagingRecord{}, stagingError(
			errors.Errorf("%s is not a directory", absSrc), absSrc,
		)
	}

	if err := os.RemoveAll(dst); err != nil {
		return StagingRecord{}, stagingError(err, absSrc)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return StagingRecord{}, stagingError(err, absSrc)
	}

	if IsSecretsDir(absSrc) {
		err = s.stageSecrets(absSrc, dst)
	} else {
		err = CopyTree(absSrc, dst, skipHiddenAndExcluded)
	}
	if err != nil {
		return StagingRecord{}, stagingError(err, absSrc)
	}

	s.Logger.Info("Staged directory", "dir", absSrc, "staged", dst)
	return StagingRecord{Original: absSrc, Staged: dst}, nil
}

// Only files following the secret naming convention leave a secrets dir,
// and each copy is readable by its owner alone.
func (s Stager) stageSecrets(srcDir, dst string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}

	numCopied := 0
	for _, entry := range entries {
		if entry.IsDir() || !IsSecretFile(entry.Name()) {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		if err := CopyFile(src, filepath.Join(dst, entry.Name()), secretsFileMode); err != nil {
			return err
		}
		numCopied++
	}
	s.Logger.Debug("Staged secrets", "dir", srcDir, "files", numCopied)
	return nil
}

func skipHiddenAndExcluded(relPath string, _ fs.DirEntry) bool {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if _, excluded := excludedTopLevel[parts[0]]; excluded {
		return true
	}
	for _, part := range parts {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func stagingError(err error, srcDir string) error {
	return errors.Wrapf(
		err, "failed to stage directory %s; move it to the shared store "+
			"or an accessible location", srcDir,
	)
}

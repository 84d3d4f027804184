package systemd

import (
	"io"
	"os/exec"

	"github.com/pkg/errors"
)

// JournalReader reads unit output from the journal via journalctl. Requires
// a service manager with journal read support (>= 232); callers gate on the
// feature flag.
type JournalReader struct {
	Scope Scope
}

func NewJournalReader(scope Scope) *JournalReader {
	return &JournalReader{Scope: scope}
}

func (r *JournalReader) Read(unit string, follow bool) (io.ReadCloser, error) {
	args := []string{"-u", unit, "--no-pager", "-o", "cat"}

	if r.Scope == ScopeSession {
		args = append(args, "--user")
	}

	if follow {
		args = append(args, "-f")
	}

	cmd := exec.Command("journalctl", args...)

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.WithStack(err)
	}

	return &journalStream{ReadCloser: out, cmd: cmd}, nil
}

type journalStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (s *journalStream) Close() error {
	s.ReadCloser.Close()

	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}

	return s.cmd.Wait()
}

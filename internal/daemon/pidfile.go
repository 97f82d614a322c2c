package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rescale/thumblink/internal/constants"
)

// ErrAlreadyRunning is returned by PIDFile.Acquire when a live process owns
// the PID file.
var ErrAlreadyRunning = errors.New("watch daemon is already running")

// PIDFile records the PID of the running watch daemon. At most one live
// process owns it; a file naming a dead process is stale and gets replaced.
type PIDFile struct {
	path string
}

// NewPIDFile returns a PID file at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// DefaultPIDFile returns the PID file next to the default state file.
func DefaultPIDFile() *PIDFile {
	return NewPIDFile(filepath.Join(filepath.Dir(DefaultStateFilePath()), constants.PIDFileName))
}

func (p *PIDFile) Path() string {
	return p.path
}

// Read returns the recorded PID, or 0 if the file is missing or invalid.
func (p *PIDFile) Read() int {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// Owner returns the PID of the live process recorded in the file, or 0.
// A stale or unreadable file is removed.
func (p *PIDFile) Owner() int {
	pid := p.Read()
	if pid != 0 && processAlive(pid) {
		return pid
	}
	os.Remove(p.path)
	return 0
}

// Acquire records the current process. The file is created exclusively, so
// of two daemons starting together only one succeeds.
func (p *PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	self := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(self))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(p.path)
				return fmt.Errorf("failed to write PID file: %w", werr)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}

		switch owner := p.Owner(); owner {
		case 0:
			// stale file removed, try again
		case self:
			return nil
		default:
			return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, owner)
		}
	}
	return fmt.Errorf("failed to create PID file %s: it keeps reappearing", p.path)
}

// Release removes the file if it still records the current process.
func (p *PIDFile) Release() {
	if p.Read() == os.Getpid() {
		os.Remove(p.path)
	}
}

package process

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

var ErrNoSuchProcess = errors.New("no such process")

// Inspector answers questions about local OS processes.
type Inspector interface {
	Alive(ctx context.Context, pid int) (bool, error)
	// IsWorker reports whether pid runs an optimization worker.
	IsWorker(ctx context.Context, pid int) (bool, error)
	// CPUPercent samples the cpu usage of pid over window.
	CPUPercent(ctx context.Context, pid int, window time.Duration) (float64, error)
	Kill(ctx context.Context, pid int) error
}

// SystemInspector inspects processes through gopsutil.
type SystemInspector struct {
	executable string
	command    string
}

var _ Inspector = (*SystemInspector)(nil)

// NewSystemInspector recognizes workers as processes whose executable base name
// is executable and whose arguments contain command.
func NewSystemInspector(executable, command string) *SystemInspector {
	return &SystemInspector{executable: filepath.Base(executable), command: command}
}

func (s *SystemInspector) Alive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false, err
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// the process may have exited between the two calls
		return false, nil
	}
	return !slices.Contains(status, process.Zombie), nil
}

func (s *SystemInspector) IsWorker(ctx context.Context, pid int) (bool, error) {
	p, err := s.lookup(ctx, pid)
	if err != nil {
		return false, err
	}
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil {
		return false, err
	}
	return MatchesWorker(args, s.executable, s.command), nil
}

func (s *SystemInspector) CPUPercent(ctx context.Context, pid int, window time.Duration) (float64, error) {
	p, err := s.lookup(ctx, pid)
	if err != nil {
		return 0, err
	}
	return p.PercentWithContext(ctx, window)
}

func (s *SystemInspector) Kill(ctx context.Context, pid int) error {
	p, err := s.lookup(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

func (s *SystemInspector) lookup(ctx context.Context, pid int) (*process.Process, error) {
	if pid <= 0 {
		return nil, ErrNoSuchProcess
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, ErrNoSuchProcess
		}
		return nil, err
	}
	return p, nil
}

// MatchesWorker reports whether a command line belongs to a worker process.
func MatchesWorker(args []string, executable, command string) bool {
	if len(args) == 0 {
		return false
	}
	if executable != "" && filepath.Base(args[0]) != executable && !strings.HasSuffix(args[0], "/"+executable) {
		return false
	}
	return command == "" || slices.Contains(args[1:], command)
}

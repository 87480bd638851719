package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/ingest"
)

// Status is the terminal state of a unit within one run.
type Status string

const (
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
	Skipped   Status = "skipped"
)

// Outcome is what one unit run produced.
type Outcome struct {
	Unit     string
	Status   Status
	Summary  string
	Logs     string
	Stderr   string
	Err      error
	ExitCode int
	Report   *ingest.Report
	Started  time.Time
	Finished time.Time
}

func (o Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

// Unit is one named step of the pipeline.
type Unit interface {
	Name() string
	Run(ctx context.Context) Outcome
}

// RunFunc runs an adapter with the logger and output it should write to.
type RunFunc func(ctx context.Context, logger logrus.FieldLogger, out io.Writer) (*ingest.Report, error)

// InProcessUnit runs an adapter inside the current process and captures
// everything it logs or prints.
type InProcessUnit struct {
	name   string
	run    RunFunc
	logger *logrus.Logger
}

// NewInProcessUnit creates a unit whose captured output is also written to
// base's output, formatted and filtered the way base is.
func NewInProcessUnit(name string, base *logrus.Logger, run RunFunc) *InProcessUnit {
	return &InProcessUnit{name: name, run: run, logger: base}
}

func (u *InProcessUnit) Name() string {
	return u.name
}

func (u *InProcessUnit) Run(ctx context.Context) Outcome {
	var buf syncBuffer
	out := io.Writer(&buf)
	if u.logger.Out != nil {
		out = io.MultiWriter(u.logger.Out, &buf)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(u.logger.GetLevel())
	logger.SetFormatter(u.logger.Formatter)

	o := Outcome{Unit: u.name, Started: time.Now()}
	report, err := u.run(ctx, logger.WithField("unit", u.name), out)
	o.Finished = time.Now()
	o.Report = report
	o.Logs = buf.String()
	if report != nil {
		o.Summary = report.Summary()
	}
	o.Status, o.Err = status(ctx, err)
	return o
}

// CommandUnit runs an external process. A non-zero exit code fails the unit.
type CommandUnit struct {
	name   string
	path   string
	args   []string
	dir    string
	env    []string
	logger logrus.FieldLogger
}

func NewCommandUnit(name, path string, args []string, dir string, logger logrus.FieldLogger) *CommandUnit {
	return &CommandUnit{
		name:   name,
		path:   path,
		args:   args,
		dir:    dir,
		env:    os.Environ(),
		logger: logger,
	}
}

func (u *CommandUnit) Name() string {
	return u.name
}

// Command is the command line the unit runs.
func (u *CommandUnit) Command() string {
	return strings.Join(append([]string{u.path}, u.args...), " ")
}

func (u *CommandUnit) Run(ctx context.Context) Outcome {
	// Logs keeps both streams interleaved; stdout and stderr are also kept
	// apart so each is logged at its own level.
	var buf, stdout, stderr syncBuffer
	cmd := exec.CommandContext(ctx, u.path, u.args...)
	cmd.Dir = u.dir
	cmd.Env = u.env
	cmd.Stdout = io.MultiWriter(&buf, &stdout)
	cmd.Stderr = io.MultiWriter(&buf, &stderr)

	log := u.logger.WithField("unit", u.name)
	log.Infof("Running %s", u.Command())

	o := Outcome{Unit: u.name, Started: time.Now()}
	err := cmd.Run()
	o.Finished = time.Now()
	o.Logs = buf.String()
	o.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		o.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		err = xerrors.Errorf("%s: %w", u.Command(), err)
	}
	o.Status, o.Err = status(ctx, err)

	logLines(stdout.String(), log.Info)
	if o.Status == Succeeded {
		logLines(o.Stderr, log.Warn)
	} else {
		logLines(o.Stderr, log.Error)
	}
	o.Summary = string(o.Status)
	if o.Status == Failed {
		o.Summary = "exit code " + strconv.Itoa(o.ExitCode)
	}
	return o
}

func logLines(text string, log func(args ...interface{})) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		log(scanner.Text())
	}
}

func status(ctx context.Context, err error) (Status, error) {
	switch {
	case err == nil:
		return Succeeded, nil
	case ctx.Err() != nil || xerrors.Is(err, context.Canceled):
		return Cancelled, err
	default:
		return Failed, err
	}
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a process's
// stdout and stderr.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

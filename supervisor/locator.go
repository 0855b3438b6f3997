package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/stagehand-labs/stagehand/config"
)

// minServerBinarySize is a conservative guard against placeholder or
// truncated build artifacts. A real server executable is megabytes; anything
// under 1KB is a stand-in left behind by a broken packaging step and is
// skipped with a warning rather than launched.
const minServerBinarySize = 1024

const serverScriptName = "manage.py"

// CandidateKind distinguishes the two forms a runnable server can take.
type CandidateKind int

const (
	// KindBundledExecutable is a self-contained native server binary.
	KindBundledExecutable CandidateKind = iota
	// KindInterpreterScript is an interpreter invocation of the backend's
	// entry script.
	KindInterpreterScript
)

// String returns a string representation of the CandidateKind.
func (k CandidateKind) String() string {
	switch k {
	case KindBundledExecutable:
		return "bundled-executable"
	case KindInterpreterScript:
		return "interpreter-script"
	default:
		return "invalid-kind"
	}
}

// Candidate is a runnable server invocation produced by the locator.
// Ephemeral: generated per startup attempt and discarded after selection.
type Candidate struct {
	Command string        // executable path or interpreter name
	Args    []string      // leading arguments, e.g. the entry script
	Dir     string        // working directory for the server process
	Kind    CandidateKind // how the invocation is composed
}

// ServerArgs returns the full argument list for running the server.
func (c *Candidate) ServerArgs(host string, port int, databasePath string) []string {
	args := append([]string{}, c.Args...)
	switch c.Kind {
	case KindInterpreterScript:
		return append(args, "runserver", fmt.Sprintf("%s:%d", host, port))
	default:
		return append(args,
			"--host", host,
			"--port", strconv.Itoa(port),
			"--database-path", databasePath)
	}
}

// MigrateArgs returns the full argument list for running schema migrations.
func (c *Candidate) MigrateArgs(databasePath string) []string {
	args := append([]string{}, c.Args...)
	switch c.Kind {
	case KindInterpreterScript:
		return append(args, "migrate", "--noinput")
	default:
		return append(args, "--migrate", "--database-path", databasePath)
	}
}

// Resolver is a single strategy in the locator's ordered search list. Each
// strategy is independently testable; the locator just walks the list.
type Resolver interface {
	// Name identifies the strategy in logs and in `stagehand locate`.
	Name() string
	// Resolve returns a usable candidate, or nil when the strategy finds
	// nothing. The second return value lists rejected locations with the
	// rejection reason, for the consolidated failure message.
	Resolve(ctx context.Context) (*Candidate, []string)
}

// Locator walks a prioritized list of resolver strategies and returns the
// first usable candidate. It only reads the filesystem; the sole subprocess
// side effect is a cheap interpreter version probe.
type Locator struct {
	resolvers []Resolver
	logger    *slog.Logger
}

// NewLocator builds the default resolver chain for the given configuration:
// explicit override, bundled binary beside the shell executable, bundled
// binary in the resource directory, development build output, and finally
// the interpreter fallback.
func NewLocator(cfg *config.Config, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "Locator")

	backendDir := cfg.BackendDir
	if backendDir == "" {
		backendDir = discoverBackendDir()
	}

	var resolvers []Resolver
	if cfg.ServerPath != "" {
		resolvers = append(resolvers, &binaryResolver{
			name:   "override",
			paths:  []string{cfg.ServerPath},
			logger: logger,
		})
	}

	binName := serverBinaryName()
	exeDir := shellExecutableDir()
	resolvers = append(resolvers, &binaryResolver{
		name:   "bundled",
		paths:  []string{filepath.Join(exeDir, binName)},
		logger: logger,
	})
	resolvers = append(resolvers, &binaryResolver{
		name:   "resources",
		paths:  []string{filepath.Join(exeDir, "resources", binName)},
		logger: logger,
	})
	if backendDir != "" {
		resolvers = append(resolvers, &binaryResolver{
			name:    "development",
			paths:   []string{filepath.Join(backendDir, "dist", binName)},
			workDir: backendDir,
			logger:  logger,
		})
	}
	resolvers = append(resolvers, &interpreterResolver{
		backendDir: backendDir,
		probe:      probeInterpreter,
		logger:     logger,
	})

	return &Locator{resolvers: resolvers, logger: logger}
}

// Locate returns the first usable server candidate. When every strategy
// comes up empty it returns a NoRuntimeError listing each rejected location.
func (l *Locator) Locate(ctx context.Context) (*Candidate, error) {
	var tried []string
	for _, r := range l.resolvers {
		candidate, rejected := r.Resolve(ctx)
		tried = append(tried, rejected...)
		if candidate != nil {
			l.logger.Info("Located server candidate",
				"strategy", r.Name(),
				"command", candidate.Command,
				"kind", candidate.Kind.String())
			return candidate, nil
		}
		l.logger.Debug("Resolver found no candidate", "strategy", r.Name())
	}
	return nil, &NoRuntimeError{Tried: tried}
}

// Describe runs every strategy and reports each one's outcome. Used by
// `stagehand locate` so an operator can see the full search list.
func (l *Locator) Describe(ctx context.Context) []string {
	var lines []string
	for _, r := range l.resolvers {
		candidate, rejected := r.Resolve(ctx)
		for _, rej := range rejected {
			lines = append(lines, fmt.Sprintf("%s: rejected %s", r.Name(), rej))
		}
		if candidate != nil {
			lines = append(lines, fmt.Sprintf("%s: usable %s %s (%s)",
				r.Name(), candidate.Command, strings.Join(candidate.Args, " "), candidate.Kind))
		}
	}
	return lines
}

var (
	errCandidateNotFound = errors.New("not found")
	errWrongPlatform     = errors.New("wrong platform")
	errUndersized        = errors.New("below minimum size, placeholder artifact")
	errNotRegularFile    = errors.New("not a regular file")
)

// binaryResolver checks an ordered list of filesystem paths for a usable
// bundled server binary.
type binaryResolver struct {
	name    string
	paths   []string
	workDir string // working directory override; defaults to the binary's dir
	logger  *slog.Logger
}

func (r *binaryResolver) Name() string { return r.name }

func (r *binaryResolver) Resolve(ctx context.Context) (*Candidate, []string) {
	var rejected []string
	for _, path := range r.paths {
		if err := inspectBinary(path); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s (%v)", path, err))
			if errors.Is(err, errUndersized) {
				r.logger.Warn("Skipping undersized server binary",
					"path", path, "minBytes", minServerBinarySize)
			}
			continue
		}
		dir := r.workDir
		if dir == "" {
			dir = filepath.Dir(path)
		}
		return &Candidate{Command: path, Dir: dir, Kind: KindBundledExecutable}, rejected
	}
	return nil, rejected
}

// inspectBinary verifies a path holds a launchable server binary.
func inspectBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errCandidateNotFound
	}
	if !info.Mode().IsRegular() {
		return errNotRegularFile
	}
	if !platformCompatible(path) {
		return errWrongPlatform
	}
	if info.Size() < minServerBinarySize {
		return errUndersized
	}
	return nil
}

// platformCompatible rejects Windows binaries on non-Windows platforms and
// vice versa, based on the .exe suffix convention the packaging step uses.
func platformCompatible(path string) bool {
	isExe := strings.EqualFold(filepath.Ext(path), ".exe")
	if runtime.GOOS == "windows" {
		return isExe
	}
	return !isExe
}

// commandProber checks whether a named interpreter answers a trivial
// version command. Injectable for tests.
type commandProber func(ctx context.Context, name string) bool

// interpreterResolver falls back to running the backend's entry script with
// a Python interpreter: a project-local virtualenv first, then a system
// interpreter discovered by a version probe.
type interpreterResolver struct {
	backendDir string
	probe      commandProber
	logger     *slog.Logger
}

func (r *interpreterResolver) Name() string { return "interpreter" }

func (r *interpreterResolver) Resolve(ctx context.Context) (*Candidate, []string) {
	var rejected []string
	if r.backendDir == "" {
		return nil, []string{"interpreter fallback (no backend directory found)"}
	}

	script := filepath.Join(r.backendDir, serverScriptName)
	if _, err := os.Stat(script); err != nil {
		return nil, []string{fmt.Sprintf("%s (not found)", script)}
	}

	venvPaths := []string{
		filepath.Join(r.backendDir, ".venv", "Scripts", "python.exe"),
		filepath.Join(r.backendDir, ".venv", "bin", "python"),
	}
	for _, path := range venvPaths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			rejected = append(rejected, fmt.Sprintf("%s (not found)", path))
			continue
		}
		if !platformCompatible(path) {
			rejected = append(rejected, fmt.Sprintf("%s (wrong platform)", path))
			continue
		}
		r.logger.Info("Using virtual environment interpreter", "path", path)
		return r.candidate(path), rejected
	}

	for _, name := range []string{"python3", "python"} {
		if r.probe(ctx, name) {
			r.logger.Info("Using system interpreter", "command", name)
			return r.candidate(name), rejected
		}
		rejected = append(rejected, fmt.Sprintf("%s (version probe failed)", name))
	}

	return nil, rejected
}

func (r *interpreterResolver) candidate(interpreter string) *Candidate {
	return &Candidate{
		Command: interpreter,
		Args:    []string{serverScriptName},
		Dir:     r.backendDir,
		Kind:    KindInterpreterScript,
	}
}

// probeInterpreter runs `<name> --version` with output discarded to check
// that an interpreter exists and answers.
func probeInterpreter(ctx context.Context, name string) bool {
	cmd := exec.CommandContext(ctx, name, "--version")
	configureCommand(cmd)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

// serverBinaryName returns the platform-specific name of the bundled server
// executable.
func serverBinaryName() string {
	if runtime.GOOS == "windows" {
		return "server.exe"
	}
	return "server"
}

// shellExecutableDir returns the directory containing the running shell
// executable, falling back to the working directory.
func shellExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		wd, werr := os.Getwd()
		if werr != nil {
			return "."
		}
		return wd
	}
	return filepath.Dir(exe)
}

// discoverBackendDir searches the usual locations for a backend checkout,
// identified by its entry script. Bundled installs place it beside the
// shell executable; development runs find it relative to the project root.
func discoverBackendDir() string {
	exeDir := shellExecutableDir()
	candidates := []string{
		filepath.Join(exeDir, "backend"),
		filepath.Join(exeDir, "..", "backend"),
		filepath.Join(exeDir, "..", "..", "backend"),
	}
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates,
			filepath.Join(wd, "backend"),
			filepath.Join(wd, "..", "backend"),
		)
	}
	for _, dir := range candidates {
		if _, err := os.Stat(filepath.Join(dir, serverScriptName)); err == nil {
			return dir
		}
	}
	return ""
}

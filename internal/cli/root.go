// Package cli implements the checklist command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/checklist/internal/paths"
	"github.com/mesh-intelligence/checklist/internal/replica"
	"github.com/mesh-intelligence/checklist/internal/tasks"
	"github.com/mesh-intelligence/checklist/pkg/checklist"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// userError marks err as caused by bad input.
func userError(err error) error { return &exitError{code: exitUserError, err: err} }

// sysError marks err as an environment or storage failure.
func sysError(err error) error { return &exitError{code: exitSysError, err: err} }

// exitCode maps a command error to the process exit code. Errors that were
// not classified come from cobra itself (unknown flags, wrong arguments) and
// count as user errors.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUserError
}

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	logLevel  string
}

// env is the state shared by the subcommands of one invocation.
type env struct {
	flags    rootFlags
	settings settings
	logger   *slog.Logger
}

// NewRootCmd creates the top-level "checklist" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	e := &env{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	root := &cobra.Command{
		Use:     "checklist",
		Short:   "A local-first task list that syncs between peers",
		Long:    "Checklist keeps a shared task list in a local replica and exchanges\nchanges with peers whenever they can reach each other.",
		Version: checklist.Version,
		// Errors are printed once by Execute.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "version", "help":
				return nil
			}
			return e.load(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&e.flags.configDir, "config-dir", "", "configuration directory (env "+paths.EnvConfigDir+")")
	root.PersistentFlags().StringVar(&e.flags.dataDir, "data-dir", "", "data directory (env "+paths.EnvDataDir+")")
	root.PersistentFlags().BoolVar(&e.flags.jsonMode, "json", false, "output in JSON format")
	root.PersistentFlags().StringVar(&e.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(e))
	root.AddCommand(newAddCmd(e))
	root.AddCommand(newToggleCmd(e))
	root.AddCommand(newListCmd(e))
	root.AddCommand(newWatchCmd(e))
	root.AddCommand(newExportCmd(e))
	root.AddCommand(newImportCmd(e))

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line args and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return exitCode(err)
}

// load resolves the configuration and builds the logger.
func (e *env) load(stderr io.Writer) error {
	configDir, err := paths.ResolveConfigDir(e.flags.configDir)
	if err != nil {
		return sysError(fmt.Errorf("resolve config dir: %w", err))
	}
	s, err := loadSettings(configDir, e.flags.dataDir, e.flags.logLevel)
	if err != nil {
		return userError(err)
	}
	level, err := parseLevel(s.logLevel)
	if err != nil {
		return userError(err)
	}
	e.settings = s
	e.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

// parseLevel accepts the slog level names in any case.
func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// session is an open replica plus the task list built on it.
type session struct {
	handle *replica.Handle
	list   *tasks.List
}

// open initializes the replica. With sync false the mesh is left out so
// short-lived commands neither bind the listen address nor dial peers.
func (e *env) open(ctx context.Context, sync bool) (*session, error) {
	cfg := e.settings.config
	h := replica.NewHandle(cfg,
		replica.WithLogger(e.logger),
		replica.WithOpener(replica.SQLite{Logger: e.logger, LocalOnly: !sync}),
	)
	if _, err := h.Initialize(ctx); err != nil {
		return nil, sysError(err)
	}
	l := tasks.NewList(h,
		tasks.WithLogger(e.logger),
		tasks.WithArchiveDelay(cfg.ArchiveDelay),
	)
	return &session{handle: h, list: l}, nil
}

// close stops the list and shuts the replica down. Views opened from the
// list must be closed first.
func (s *session) close(e *env) {
	s.list.Close()
	if err := s.handle.Shutdown(); err != nil {
		e.logger.Warn("shutting down replica", "error", err)
	}
}

package cmd

import (
	"errors"
	"io"
	"os"

	"github.com/chzyer/readline"
	e "github.com/golox-lang/golox/errors"
	"github.com/golox-lang/golox/vm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	easy "github.com/t-tomalak/logrus-easy-formatter"
)

// Exit codes follow the conventional sysexits.h split the interpreter
// reports through: a clean run is 0, a compile-time failure is 65
// (EX_DATAERR), a runtime failure is 70 (EX_SOFTWARE).
const (
	exitOK       = 0
	exitDataErr  = 65
	exitSoftware = 70
)

func App() (app *cobra.Command) {
	app = &cobra.Command{
		Use:   "golox [script]",
		Short: "Compile and run a Lox script, or start a REPL",
		Args:  cobra.MaximumNArgs(1),
	}

	app.Flags().SortFlags = true
	defaultVerbosityStr := "INFO"
	verbosity := app.Flags().StringP("verbosity", "v", defaultVerbosityStr, "Logging verbosity")

	app.Run = func(_ *cobra.Command, args []string) {
		verbosityLvl, err := logrus.ParseLevel(*verbosity)
		if err != nil {
			verbosityLvl, _ = logrus.ParseLevel(defaultVerbosityStr)
		}
		logrus.SetLevel(verbosityLvl)
		logrus.SetFormatter(&easy.Formatter{LogFormat: "//DBG// %msg%\n"})

		if len(args) == 1 {
			os.Exit(runFile(args[0]))
			return
		}
		os.Exit(repl())
	}
	return
}

func runFile(path string) int {
	src, err := os.ReadFile(path)
	if err != nil {
		logrus.Errorf("could not read '%s': %s", path, err)
		return exitSoftware
	}

	machine := vm.NewVM()
	if _, err := machine.Interpret(string(src), false); err != nil {
		var compileErr *e.CompilationError
		if errors.As(err, &compileErr) {
			logrus.Error(err)
			return exitDataErr
		}
		logrus.Error(err)
		return exitSoftware
	}
	return exitOK
}

func repl() int {
	rl, err := readline.New(">> ")
	if err != nil {
		logrus.Errorf("could not start REPL: %s", err)
		return exitSoftware
	}
	defer rl.Close()

	machine := vm.NewVM()
	readLine := func() (string, error) {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return line, err
	}
	if err := machine.REPL(readLine); err != nil {
		logrus.Error(err)
		return exitSoftware
	}
	return exitOK
}

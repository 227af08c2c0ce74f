package cliutil

import (
	"os"
	"path"

	logging "gopkg.in/op/go-logging.v1"
)

// Verbosity is the logging verbosity flag type; higher means more output,
// mirroring please's cli.Verbosity.
type Verbosity int

// InitLogging sets up the stderr logging backend at the given verbosity.
// The value is go-logging's Level: 0=critical, 1=error, 2=warning,
// 3=notice, 4=info, 5=debug.
func InitLogging(verbosity Verbosity) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logFormatter())
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.Level(verbosity), "")
	logging.SetBackend(leveled)
}

// InitFileLogging additionally tees logging output to a file, at its own
// (typically more verbose) level.
func InitFileLogging(logFile string, fileVerbosity Verbosity) error {
	if err := os.MkdirAll(path.Dir(logFile), 0775); err != nil {
		return err
	}
	f, err := os.Create(logFile)
	if err != nil {
		return err
	}
	fileBackend := logging.NewBackendFormatter(logging.NewLogBackend(f, "", 0), logFormatter())
	fileLeveled := logging.AddModuleLevel(fileBackend)
	fileLeveled.SetLevel(logging.Level(fileVerbosity), "")

	stderrBackend := logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), logFormatter())
	stderrLeveled := logging.AddModuleLevel(stderrBackend)
	stderrLeveled.SetLevel(logging.GetLevel(""), "")

	logging.SetBackend(stderrLeveled, fileLeveled)
	return nil
}

func logFormatter() logging.Formatter {
	return logging.MustStringFormatter("%{time:15:04:05.000} %{level:7s} %{module}: %{message}")
}

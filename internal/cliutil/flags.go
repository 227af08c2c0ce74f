// Package cliutil contains the flag-parsing and logging helpers shared by
// every rexec server binary. It is a trimmed-down descendant of please's
// src/cli package: the same ByteSize/Duration flag types and
// ParseFlagsOrDie entry point, without the interactive terminal log
// backend that only makes sense for a build client's console UI.
package cliutil

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
)

// ParseFlagsOrDie parses the app's flags and dies if unsuccessful, printing
// usage. version is reported on --version.
func ParseFlagsOrDie(appname, version string, data interface{}) *flags.Parser {
	return ParseFlagsFromArgsOrDie(appname, version, data, os.Args)
}

// ParseFlagsFromArgsOrDie is like ParseFlagsOrDie but allows control over
// the argument slice, which is useful for testing.
func ParseFlagsFromArgsOrDie(appname, version string, data interface{}, args []string) *flags.Parser {
	parser := flags.NewNamedParser(path.Base(args[0]), flags.HelpFlag|flags.PassDoubleDash)
	parser.AddGroup(appname+" options", "", data)
	extraArgs, err := parser.ParseArgs(args[1:])
	if err != nil {
		if ferr, ok := err.(*flags.Error); ok {
			if ferr.Type == flags.ErrHelp {
				parser.WriteHelp(os.Stderr)
				os.Exit(0)
			}
			if ferr.Type == flags.ErrUnknownFlag && strings.Contains(ferr.Message, "`version'") {
				fmt.Printf("%s version %s\n", appname, version)
				os.Exit(0)
			}
		}
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "\n%s\n", err)
		os.Exit(1)
	} else if len(extraArgs) > 0 {
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", extraArgs)
		os.Exit(1)
	}
	return parser
}

// ByteSize is used for flags that represent a quantity of bytes, passed as
// human-readable quantities (e.g. "20G").
type ByteSize uint64

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (b *ByteSize) UnmarshalFlag(in string) error {
	n, err := humanize.ParseBytes(in)
	if err != nil {
		return &flags.Error{Type: flags.ErrMarshal, Message: err.Error()}
	}
	*b = ByteSize(n)
	return nil
}

// Duration wraps time.Duration so it can be used as a flag, falling back to
// treating a bare number as seconds for backwards compatibility with config
// files that predate Go's duration suffixes.
type Duration time.Duration

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (d *Duration) UnmarshalFlag(in string) error {
	if parsed, err := time.ParseDuration(in); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if secs, err := strconv.Atoi(in); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return &flags.Error{Type: flags.ErrMarshal, Message: fmt.Sprintf("invalid duration %q", in)}
}

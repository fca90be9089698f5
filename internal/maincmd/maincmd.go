// Package maincmd implements the command-line interface of the nelumbo
// compiler tool.
package maincmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/mna/mainer"
)

const binName = "nelumbo"

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...] <command> <path>...
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] <command> <path>...
       %[1]s -h|--help
       %[1]s -v|--version

Compiler and bytecode tool for the %[1]s language.

The <command> can be one of:
       tokenize                  Execute the scanner phase of the
                                 compilation and print the resulting
                                 tokens.
       compile                   Compile the source files and print the
                                 disassembly of the resulting bytecode.
       dump                      Compile a source file and write the
                                 binary chunk to the output file.
       undump                    Load a binary chunk and print the
                                 disassembly of its bytecode.

Valid flag options are:
       -h --help                 Show this help and exit.
       -v --version              Print version and exit.
       -o --output FILE          Output file for the <dump> command
                                 (default %[2]s).
       --strip                   Strip debug information on <dump>.
       --mode MODE               Accepted chunk kinds for <undump>: any
                                 combination of 'b' (binary), 't' (text)
                                 and 'B' (fixed binary); default 'b'.

The NELUMBO_OUT, NELUMBO_STRIP and NELUMBO_MODE environment variables
provide defaults for the corresponding flags.

More information on the %[1]s repository:
       https://github.com/mna/nelumbo
`, binName, defaultOutput)
)

const defaultOutput = "nelumbo.out"

// envConfig is the environment-derived default configuration.
type envConfig struct {
	Strip  bool   `env:"STRIP"`
	Output string `env:"OUT"`
	Mode   string `env:"MODE"`
}

type Cmd struct {
	BuildVersion string
	BuildDate    string

	Help    bool `flag:"h,help"`
	Version bool `flag:"v,version"`

	Strip  bool   `flag:"strip"`
	Output string `flag:"o,output"`
	Mode   string `flag:"mode"`

	args  []string
	flags map[string]bool
	cmdFn func(context.Context, mainer.Stdio, []string) error
}

func (c *Cmd) SetArgs(args []string) {
	c.args = args
}

func (c *Cmd) SetFlags(flags map[string]bool) {
	c.flags = flags
}

func (c *Cmd) Validate() error {
	if c.Help || c.Version {
		return nil
	}

	if len(c.args) == 0 {
		return errors.New("no command specified")
	}

	cmdName := c.args[0]

	commands := buildCmds(c)
	c.cmdFn = commands[cmdName]
	if c.cmdFn == nil {
		return fmt.Errorf("unknown command: %s", c.args[0])
	}

	if len(c.args[1:]) == 0 {
		return fmt.Errorf("%s: at least one file must be provided", cmdName)
	}

	if c.flags["strip"] && cmdName != "dump" {
		return fmt.Errorf("%s: invalid flag 'strip'", cmdName)
	}
	if (c.flags["o"] || c.flags["output"]) && cmdName != "dump" {
		return fmt.Errorf("%s: invalid flag 'output'", cmdName)
	}
	if c.flags["mode"] && cmdName != "undump" {
		return fmt.Errorf("%s: invalid flag 'mode'", cmdName)
	}

	return nil
}

func printError(stdio mainer.Stdio, err error) error {
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "%s\n", err)
	}
	return err
}

func (c *Cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	// environment variables provide the flag defaults
	var cfg envConfig
	if err := env.Parse(&cfg, env.Options{Prefix: "NELUMBO_"}); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid environment: %s\n", err)
		return mainer.InvalidArgs
	}
	c.Strip = cfg.Strip
	c.Output = cfg.Output
	c.Mode = cfg.Mode

	p := mainer.Parser{
		EnvVars: false, // defaults are handled above, with an explicit prefix
	}
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid arguments: %s\n%s", err, shortUsage)
		return mainer.InvalidArgs
	}

	if c.Output == "" {
		c.Output = defaultOutput
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success

	case c.Version:
		fmt.Fprintf(stdio.Stdout, "%s %s %s\n", binName, c.BuildVersion, c.BuildDate)
		return mainer.Success
	}

	ctx := mainer.CancelOnSignal(context.Background(), os.Interrupt)
	if err := c.cmdFn(ctx, stdio, c.args[1:]); err != nil {
		// each command takes care of printing its errors, just return with an
		// error code
		return mainer.Failure
	}
	return mainer.Success
}

// valid commands are those that take a mainer.Stdio and a slice of strings
// as input, and return an error as output.
func buildCmds(v interface{}) map[string]func(context.Context, mainer.Stdio, []string) error {
	cmds := make(map[string]func(context.Context, mainer.Stdio, []string) error)

	vv := reflect.ValueOf(v)
	vt := vv.Type()
	for i := 0; i < vt.NumMethod(); i++ {
		m := vt.Method(i)
		mt := m.Type

		// must take 4 parameters (including receiver) and return 1
		if mt.NumIn() != 4 || mt.NumOut() != 1 {
			continue
		}

		if rt := mt.Out(0); rt.Kind() != reflect.Interface || rt.Name() != "error" {
			continue
		}
		if p0 := mt.In(0); p0.Kind() != reflect.Ptr || p0.Elem().Name() != "Cmd" {
			continue
		}
		if p1 := mt.In(1); p1.Kind() != reflect.Interface || p1.Name() != "Context" {
			continue
		}
		if p2 := mt.In(2); p2.Kind() != reflect.Struct || p2.Name() != "Stdio" {
			continue
		}
		if p3 := mt.In(3); p3.Kind() != reflect.Slice || p3.Elem().Name() != "string" {
			continue
		}
		cmds[strings.ToLower(m.Name)] = vv.Method(i).Interface().(func(context.Context, mainer.Stdio, []string) error)
	}
	return cmds
}

// Package config parses the CLI/env-var surface described in §6 into a
// plain Options struct, using a urfave/cli App so every flag is
// simultaneously settable via its environment variable in one declaration,
// matching the teacher's own dependency on github.com/urfave/cli.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli"
)

// ErrHelpRequested is returned by Parse when -h/--help was given; the
// usage text has already been printed by the cli app. Callers should
// exit 0, matching §6's "-h: print usage, exit 0".
var ErrHelpRequested = errors.New("config: help requested")

// LoopMode selects the supervisor's respawn behavior.
type LoopMode int

const (
	// LoopOff runs the dispatcher once; a crash is fatal.
	LoopOff LoopMode = iota
	// LoopOn respawns the dispatcher on crash with a fixed backoff.
	LoopOn
	// LoopBG is LoopOn after detaching from the controlling terminal.
	LoopBG
)

// Options is the fully-resolved configuration for one run.
type Options struct {
	ClientPort int
	ServerPort int
	BufSize    int
	Refuse     bool
	Clean      bool
	NoRFB      bool
	Loop       LoopMode
	LogFile    string
	PIDFile    string

	InitTimeoutSeconds   int
	SelectTimeoutSeconds int
	Verbose              bool
}

// Parse builds a urfave/cli App matching §6's flag table exactly and
// returns the resolved Options. args is normally os.Args.
func Parse(args []string) (Options, error) {
	var opts Options
	var loopFlag string
	var ran bool

	app := cli.NewApp()
	app.Name = "ultravnc-repeater"
	app.Usage = "UltraVNC repeater (mode II) rendezvous relay"
	app.HideHelp = false
	app.HideVersion = true

	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "c", EnvVar: "ULTRAVNC_REPEATER_CLIENT_PORT", Value: 5900, Usage: "client listen port"},
		cli.IntFlag{Name: "s", EnvVar: "ULTRAVNC_REPEATER_SERVER_PORT", Value: 5500, Usage: "server listen port"},
		cli.IntFlag{Name: "b", EnvVar: "ULTRAVNC_REPEATER_BUFSIZE", Value: 250, Usage: "handshake block size"},
		cli.BoolFlag{Name: "r", EnvVar: "ULTRAVNC_REPEATER_REFUSE", Usage: "refuse (instead of replace) on same-role conflict"},
		cli.BoolTFlag{Name: "C", EnvVar: "ULTRAVNC_REPEATER_CLEAN", Usage: "enable periodic liveness sweep"},
		cli.BoolFlag{Name: "R", EnvVar: "ULTRAVNC_REPEATER_NO_RFB", Usage: "suppress RFB banner to clients"},
		cli.StringFlag{Name: "L", EnvVar: "ULTRAVNC_REPEATER_LOOP", Usage: "respawn loop: '1' or 'BG'"},
		cli.StringFlag{Name: "l", EnvVar: "ULTRAVNC_REPEATER_LOGFILE", Usage: "log sink path"},
		cli.StringFlag{Name: "p", EnvVar: "ULTRAVNC_REPEATER_PIDFILE", Usage: "pid file path"},
		cli.IntFlag{Name: "i", EnvVar: "ULTRAVNC_REPEATER_INIT_TIMEOUT", Value: 5, Usage: "handshake read deadline, seconds"},
		cli.IntFlag{Name: "t", EnvVar: "ULTRAVNC_REPEATER_SELECT_TIMEOUT", Value: 15, Usage: "max seconds between sweeps"},
		cli.BoolFlag{Name: "v", EnvVar: "ULTRAVNC_REPEATER_VERBOSE", Usage: "debug-level logging"},
	}

	app.Action = func(c *cli.Context) error {
		opts = Options{
			ClientPort:           c.Int("c"),
			ServerPort:           c.Int("s"),
			BufSize:              c.Int("b"),
			Refuse:               c.Bool("r"),
			Clean:                c.BoolT("C"),
			NoRFB:                c.Bool("R"),
			LogFile:              c.String("l"),
			PIDFile:              c.String("p"),
			InitTimeoutSeconds:   c.Int("i"),
			SelectTimeoutSeconds: c.Int("t"),
			Verbose:              c.Bool("v"),
		}
		loopFlag = c.String("L")
		ran = true
		return nil
	}

	if err := app.Run(args); err != nil {
		return Options{}, err
	}
	if !ran {
		// -h/--help was given: cli already printed usage and skipped Action.
		return Options{}, ErrHelpRequested
	}

	switch loopFlag {
	case "":
		opts.Loop = LoopOff
	case "1":
		opts.Loop = LoopOn
	case "BG":
		opts.Loop = LoopBG
	default:
		return Options{}, fmt.Errorf("config: invalid -L value %q, want '1' or 'BG'", loopFlag)
	}

	return opts, nil
}

// ParseOSArgs is a convenience wrapper around Parse(os.Args).
func ParseOSArgs() (Options, error) {
	return Parse(os.Args)
}

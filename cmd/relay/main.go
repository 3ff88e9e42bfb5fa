package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/solpipe/delivery/logger"
)

type CLIContext struct {
	Ctx context.Context
}

type debugFlag bool

type envFile string

var cli struct {
	Verbose  debugFlag `help:"Set logging to verbose." short:"v" default:"false"`
	EnvFile  envFile   `name:"env-file" help:"Load environment variables from this file before anything else" default:".env"`
	Run      Run       `cmd:"" name:"run" help:"Run the delivery relay"`
	Probe    Probe     `cmd:"" name:"probe" help:"Probe every configured endpoint once and print its health"`
	Submit   Submit    `cmd:"" name:"submit" help:"Send a message to a running relay"`
	Transfer Transfer  `cmd:"" name:"transfer" help:"Send a lamport transfer through a running relay"`
	Watch    Watch     `cmd:"" name:"watch" help:"Print resolutions streamed from a running relay"`
}

// AfterApply runs before the other hooks read the environment.
func (f envFile) AfterApply() error {
	if len(f) == 0 {
		return nil
	}
	if _, err := os.Stat(string(f)); err != nil {
		return nil
	}
	return godotenv.Load(string(f))
}

func (d debugFlag) AfterApply() error {
	if d {
		return logger.Setup(true, "", "", os.Stderr)
	}
	return nil
}

func main() {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, syscall.SIGTERM, syscall.SIGINT)
	ctx, cancel := context.WithCancel(context.Background())
	go loopSignal(ctx, cancel, signalC)
	kongCtx := kong.Parse(&cli)
	err := kongCtx.Run(&CLIContext{Ctx: ctx})
	cancel()
	kongCtx.FatalIfErrorf(err)
}

func loopSignal(ctx context.Context, cancel context.CancelFunc, signalC <-chan os.Signal) {
	defer cancel()
	doneC := ctx.Done()
	select {
	case <-doneC:
	case s := <-signalC:
		os.Stderr.WriteString(fmt.Sprintf("%s\n", s.String()))
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jadolg/temprepo"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] <tarball-url> [-- command [args...]]

Checks out the tarball into a temporary directory, runs the command inside it
(or lists its files) and removes the directory afterwards.

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	list := flag.Bool("list", false, "List the files of the checkout instead of running a command")
	logLevel := flag.String("log-level", "", "Log level, overrides the configuration")
	timeout := flag.Duration("timeout", 0, "Download timeout, overrides the configuration")
	quiet := flag.Bool("quiet", false, "Do not show the progress spinner")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "You must specify a tarball URL.\nUse -h to see application details.")
		os.Exit(2)
	}

	config, err := loadConfig(*configPath, *logLevel, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, config, cliOptions{
		tarballURL: args[0],
		command:    commandArgs(args[1:]),
		list:       *list,
		quiet:      *quiet,
	}, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	stop()
	os.Exit(code)
}

// loadConfig reads the optional configuration file and applies flag overrides
func loadConfig(path, logLevel string, timeout time.Duration) (*temprepo.Config, error) {
	config := temprepo.DefaultConfig()
	if path != "" {
		loaded, err := temprepo.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if timeout != 0 {
		config.Timeout = timeout
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// commandArgs drops the optional "--" separating the URL from the command
func commandArgs(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		return args[1:]
	}
	return args
}

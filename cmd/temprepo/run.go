package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/InVisionApp/tabular"
	"github.com/briandowns/spinner"
	"github.com/dustin/go-humanize"
	"github.com/kyokomi/emoji"
	log "github.com/sirupsen/logrus"

	"github.com/jadolg/temprepo"
)

type cliOptions struct {
	tarballURL string
	command    []string
	list       bool
	quiet      bool
}

func startSpinner(w io.Writer, message string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w), spinner.WithColor("magenta"))
	s.Suffix = " " + message
	s.Start()
	return s
}

func stopSpinner(s *spinner.Spinner) {
	if s != nil {
		s.Stop()
	}
}

// spinnerProgress shows the transferred bytes next to the spinner
func spinnerProgress(s *spinner.Spinner, tarballURL string) temprepo.ProgressFunc {
	return func(complete, total int64) {
		suffix := fmt.Sprintf(" Downloading %s (%s)", tarballURL, humanize.Bytes(uint64(complete)))
		if total > 0 {
			suffix = fmt.Sprintf(" Downloading %s (%s / %s, %.2f%%)", tarballURL,
				humanize.Bytes(uint64(complete)), humanize.Bytes(uint64(total)), 100*float64(complete)/float64(total))
		}
		s.Lock()
		s.Suffix = suffix
		s.Unlock()
	}
}

// run checks out the tarball, then lists it or runs the command inside it. The
// returned code is the command's exit code, or 1 when the checkout failed.
func run(ctx context.Context, config *temprepo.Config, opts cliOptions, stdout, stderr io.Writer) (int, error) {
	logger := config.NewLogger()
	logger.SetOutput(stderr)

	var s *spinner.Spinner
	if !opts.quiet {
		s = startSpinner(stderr, "Checking out "+opts.tarballURL)
	}
	repoOpts := config.Options(logger)
	if s != nil {
		repoOpts = append(repoOpts, temprepo.WithProgress(spinnerProgress(s, opts.tarballURL)))
	}
	repo := temprepo.New(opts.tarballURL, repoOpts...)
	dir, err := repo.Open(ctx)
	stopSpinner(s)
	if err != nil {
		return 1, fmt.Errorf("checkout failed: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warnf("Failed to remove temporary repository: %v", err)
		}
	}()

	if !opts.quiet {
		fmt.Fprintln(stderr, emoji.Sprint(":ok: Checked out into "+dir))
	}

	if opts.list || len(opts.command) == 0 {
		if err := printFiles(stdout, dir); err != nil {
			return 1, err
		}
		return 0, nil
	}
	return runCommand(ctx, logger, dir, opts.command, stdout, stderr)
}

// runCommand runs command with dir as its working directory
func runCommand(ctx context.Context, logger log.FieldLogger, dir string, command []string, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TEMPREPO_DIR="+dir)
	cmd.Stdin = os.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.WithField("command", command).Debug("running command in temporary repository")
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 1, fmt.Errorf("failed to run %s: %w", command[0], err)
	}
	return 0, nil
}

// printFiles writes a table of the files in dir
func printFiles(w io.Writer, dir string) error {
	entries, err := temprepo.ListFiles(dir)
	if err != nil {
		return err
	}

	tab := tabular.New()
	tab.Col("mode", "Mode", 10)
	tab.ColRJ("size", "Size", 10)
	tab.Col("path", "Path", 50)
	out := tab.Parse("*")

	fmt.Fprintln(w, out.Header)
	fmt.Fprintln(w, out.SubHeader)

	var total uint64
	files := 0
	for _, entry := range entries {
		size := "-"
		if !entry.IsDir {
			size = humanize.Bytes(uint64(entry.Size))
			total += uint64(entry.Size)
			files++
		}
		fmt.Fprintf(w, out.Format, entry.Mode, size, entry.Path)
	}
	fmt.Fprintf(w, "\n%d files, %s\n", files, humanize.Bytes(total))
	return nil
}

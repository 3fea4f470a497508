package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Run parses args, executes the selected command and returns the process
// exit code.
func Run(args []string) int {
	if err := loadEnvFile(extractFlag(args, "--env-file", ".env")); err != nil {
		fmt.Fprintf(stderr, "toolgateway: %v\n", err)
		return 1
	}

	opts := newOptions()
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, flagsErr.Message)
			return 0
		}
		fmt.Fprintf(stderr, "toolgateway: %v\n", err)
		return 1
	}
	return 0
}

// loadEnvFile loads a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// extractFlag finds a long option in the raw argument list before full
// parsing, so the dotenv file can feed env-backed flags.
func extractFlag(args []string, name, fallback string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
		if value, ok := strings.CutPrefix(a, name+"="); ok {
			return value
		}
	}
	if v, ok := os.LookupEnv("TOOL_GATEWAY_ENV_FILE"); ok {
		return v
	}
	return fallback
}

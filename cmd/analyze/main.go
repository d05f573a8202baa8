package main

// print the generated test cases of a source file as JSON

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fuzzcore/internal/constraint"

	"go.uber.org/zap"
)

var extLanguages = map[string]string{
	".js":   "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".py":   "python",
	".c":    "c",
	".h":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".java": "java",
	".go":   "go",
}

func main() {
	language := flag.String("language", "", "Source language, inferred from the file extension when empty")
	line := flag.Int("line", 0, "Only solve the constraints that may lead to this line")
	timeout := flag.Duration("timeout", 30*time.Second, "Analysis timeout")
	verbose := flag.Bool("v", false, "Log analyzer progress")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: analyze [options] <source file>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	if *language == "" {
		*language = extLanguages[strings.ToLower(filepath.Ext(path))]
	}
	code, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	analyzer := constraint.NewAnalyzer(constraint.Options{Logger: logger})
	defer analyzer.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var out any
	if *line > 0 {
		out, err = analyzer.FindInputsForLocation(ctx, code, *language, *line)
	} else {
		out, err = analyzer.GenerateTestCases(ctx, code, *language)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

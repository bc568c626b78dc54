//go:build mage

// Package main provides build targets for the checklist project using Mage.
//
// Usage:
//
//	mage build          Compile checklist binary to bin/
//	mage test           Run all tests with the race detector
//	mage testShort      Run tests, skipping the peer sync tests
//	mage testSync       Run only the peer sync and replica tests
//	mage lint           Run golangci-lint
//	mage clean          Remove build artifacts
//	mage install        Install checklist to GOPATH/bin
//	mage stats          Print Go LOC per package and documentation word counts
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName = "checklist"
	binaryDir  = "bin"
	cmdDir     = "./cmd/checklist"

	versionVar = "github.com/mesh-intelligence/checklist/pkg/checklist.Version"
)

// syncPackages hold the tests that open sockets and run peers.
var syncPackages = []string{"./internal/mesh/...", "./internal/replica/..."}

// Build compiles the checklist binary to bin/. VERSION, when set, is
// stamped into the binary.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	args := []string{"build", "-v", "-o", filepath.Join(binaryDir, binaryName)}
	if v := os.Getenv("VERSION"); v != "" {
		args = append(args, "-ldflags", "-X "+versionVar+"="+v)
	}
	return sh.RunV("go", append(args, cmdDir)...)
}

// Test runs all tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// TestShort runs every package except the peer sync ones.
func TestShort() error {
	pkgs, err := sh.Output("go", "list", "./...")
	if err != nil {
		return err
	}
	var short []string
	for _, pkg := range strings.Split(pkgs, "\n") {
		if pkg == "" || strings.HasSuffix(pkg, "/internal/mesh") || strings.HasSuffix(pkg, "/internal/replica") {
			continue
		}
		short = append(short, pkg)
	}
	if len(short) == 0 {
		fmt.Println("No test packages found.")
		return nil
	}
	return sh.RunV("go", append([]string{"test"}, short...)...)
}

// TestSync runs the peer sync and replica tests.
func TestSync() error {
	return sh.RunV("go", append([]string{"test", "-race", "-count=1"}, syncPackages...)...)
}

// Lint runs golangci-lint.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV("go", "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output("go", "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}

// Stats prints Go lines of code per package and documentation word counts.
func Stats() error {
	type count struct{ prod, test int }
	perPkg := map[string]*count{}
	var total count

	err := filepath.Walk(".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			name := info.Name()
			if path != "." && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			if name == "vendor" || name == "magefiles" || path == binaryDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		n, countErr := countLines(path)
		if countErr != nil {
			return nil
		}
		pkg := filepath.Dir(path)
		c := perPkg[pkg]
		if c == nil {
			c = &count{}
			perPkg[pkg] = c
		}
		if strings.HasSuffix(path, "_test.go") {
			c.test += n
			total.test += n
		} else {
			c.prod += n
			total.prod += n
		}
		return nil
	})
	if err != nil {
		return err
	}

	pkgs := make([]string, 0, len(perPkg))
	for pkg := range perPkg {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	for _, pkg := range pkgs {
		c := perPkg[pkg]
		fmt.Printf("  %-24s %6d prod %6d test\n", pkg, c.prod, c.test)
	}

	docWords, err := countDocWords()
	if err != nil {
		return err
	}

	fmt.Printf("Lines of code (Go, production): %d\n", total.prod)
	fmt.Printf("Lines of code (Go, tests):      %d\n", total.test)
	fmt.Printf("Lines of code (Go, total):      %d\n", total.prod+total.test)
	fmt.Printf("Words (documentation):          %d\n", docWords)
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

func countDocWords() (int, error) {
	total := 0

	patterns := []string{"README.md", "DESIGN.md", "SPEC_FULL.md", "docs/*.md"}
	seen := map[string]bool{}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, path := range matches {
			if seen[path] {
				continue
			}
			seen[path] = true
			words, err := countWordsInFile(path)
			if err != nil {
				continue
			}
			total += words
		}
	}
	return total, nil
}

func countWordsInFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	count := 0
	inWord := false
	for _, r := range string(data) {
		if unicode.IsSpace(r) {
			inWord = false
		} else if !inWord {
			inWord = true
			count++
		}
	}
	return count, nil
}

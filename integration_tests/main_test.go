package integration_tests

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const (
	drainageBinary  = "./drainage"                 // relative to the integration_tests dir
	generatorBinary = "./generate-test-manifests" // relative to the integration_tests dir
)

var (
	tempTestDir string
)

// TestMain builds both binaries and removes them afterwards.
func TestMain(m *testing.M) {
	var err error
	tempTestDir, err = os.MkdirTemp("", "drainage-integration-*")
	if err != nil {
		fmt.Printf("Failed to create temp test directory: %v\n", err)
		os.Exit(1)
	}

	for binary, pkg := range map[string]string{
		drainageBinary:  "github.com/TFMV/drainage/cmd/drainage",
		generatorBinary: "github.com/TFMV/drainage/cmd/generate-test-manifests",
	} {
		output, err := exec.Command("go", "build", "-o", binary, pkg).CombinedOutput()
		if err != nil {
			fmt.Printf("Failed to build %s: %v\nOutput: %s\n", pkg, err, string(output))
			os.RemoveAll(tempTestDir)
			os.Exit(1)
		}
	}

	exitCode := m.Run()

	os.Remove(drainageBinary)
	os.Remove(generatorBinary)
	os.RemoveAll(tempTestDir)
	os.Exit(exitCode)
}

// setupTestProject creates a project directory with a .drainage.yml and
// sample Delta and Iceberg tables below tables/.
func setupTestProject(t *testing.T) string {
	t.Helper()

	projectDir, err := os.MkdirTemp(tempTestDir, "test-project-*")
	if err != nil {
		t.Fatalf("Failed to create temp project directory: %v", err)
	}

	runCommand(t, drainageBinary, projectDir, "init", ".", "--storage", "filesystem")
	runCommand(t, generatorBinary, projectDir, "--out", "tables", "--files", "8", "--start", "2024-01-01")
	return projectDir
}

// runCommand executes binary in projectDir and fails the test on a
// non-zero exit.
func runCommand(t *testing.T, binary, projectDir string, args ...string) (string, string) {
	t.Helper()

	stdout, stderr, err := tryCommand(t, binary, projectDir, args...)
	if err != nil {
		t.Logf("Command failed: %s %v", binary, strings.Join(args, " "))
		t.Logf("Stdout: %s", stdout)
		t.Fatalf("Error running command: %v. Stderr: %s", err, stderr)
	}
	return stdout, stderr
}

// tryCommand executes binary in projectDir and returns its exit error.
func tryCommand(t *testing.T, binary, projectDir string, args ...string) (string, string, error) {
	t.Helper()

	absBinary, err := filepath.Abs(binary)
	if err != nil {
		t.Fatalf("Failed to get absolute path for binary %s: %v", binary, err)
	}

	cmd := exec.Command(absBinary, args...)
	cmd.Dir = projectDir
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	return stdout.String(), stderr.String(), err
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

package cloudhypervisor

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

const binaryName = "cloud-hypervisor"

var versionRegex = regexp.MustCompile(`v(\d+\.\d+(?:\.\d+)?)`)

// findBinary locates cloud-hypervisor on the host.
func findBinary() (string, error) {
	candidates := []string{
		"/usr/bin/" + binaryName,
		"/usr/local/bin/" + binaryName,
		"/run/current-system/sw/bin/" + binaryName,
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if path, err := exec.LookPath(binaryName); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%s not found; install it or add pkgs.cloud-hypervisor to the worker's NixOS config", binaryName)
}

// Version returns the version of the cloud-hypervisor binary, e.g. "48.0".
func Version(binaryPath string) (string, error) {
	output, err := exec.Command(binaryPath, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("execute --version: %w", err)
	}
	return parseVersion(string(output))
}

// parseVersion parses "cloud-hypervisor v48.0.0" -> "48.0.0".
func parseVersion(output string) (string, error) {
	matches := versionRegex.FindStringSubmatch(output)
	if len(matches) < 2 {
		return "", fmt.Errorf("unsupported version: %s", strings.TrimSpace(output))
	}
	return matches[1], nil
}

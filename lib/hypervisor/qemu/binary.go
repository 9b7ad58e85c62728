package qemu

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
)

var versionPattern = regexp.MustCompile(`version (\d+\.\d+(?:\.\d+)?)`)

// findBinary returns the path to the QEMU binary for the host architecture.
// QEMU is expected to be installed on the system.
func findBinary() (string, error) {
	binaryName, err := qemuBinaryName()
	if err != nil {
		return "", err
	}

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

	return "", fmt.Errorf("%s not found; install with: %s", binaryName, qemuInstallHint())
}

// Version returns the version of the QEMU binary, e.g. "8.2.0".
func Version(binaryPath string) (string, error) {
	output, err := exec.Command(binaryPath, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("get qemu version: %w", err)
	}
	return parseVersion(string(output))
}

// parseVersion parses "QEMU emulator version 8.2.0 (Debian ...)" -> "8.2.0".
func parseVersion(output string) (string, error) {
	matches := versionPattern.FindStringSubmatch(output)
	if len(matches) >= 2 {
		return matches[1], nil
	}
	return "", fmt.Errorf("could not parse QEMU version from: %s", output)
}

// qemuBinaryName returns the QEMU binary name for the host architecture.
func qemuBinaryName() (string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return "qemu-system-x86_64", nil
	case "arm64":
		return "qemu-system-aarch64", nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s", runtime.GOARCH)
	}
}

// qemuInstallHint returns package installation hints for the current architecture.
func qemuInstallHint() string {
	switch runtime.GOARCH {
	case "amd64":
		return "apt install qemu-system-x86 (Debian/Ubuntu) or add pkgs.qemu_kvm to the worker's NixOS config"
	case "arm64":
		return "apt install qemu-system-arm (Debian/Ubuntu) or add pkgs.qemu_kvm to the worker's NixOS config"
	default:
		return "install QEMU for your platform"
	}
}

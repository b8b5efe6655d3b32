package gc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// processesMatching returns pids whose command line contains an argument
// starting with marker.
func processesMatching(marker string) ([]int, error) {
	entries, err := os.ReadDir(procDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", procDir, err)
	}
	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		args, err := commandLine(pid)
		if err != nil {
			// exited or not ours to read
			continue
		}
		for _, arg := range args {
			if strings.HasPrefix(arg, marker) {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids, nil
}

// servesPidFile reports whether pid is the dnsmasq that writes pidFile.
func servesPidFile(pid int, pidFile string) bool {
	args, err := commandLine(pid)
	if err != nil || len(args) == 0 || filepath.Base(args[0]) != "dnsmasq" {
		return false
	}
	return slices.Contains(args[1:], "--pid-file="+pidFile)
}

func commandLine(pid int) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(procDir, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return nil, err
	}
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return nil, nil
	}
	return strings.Split(string(data), "\x00"), nil
}

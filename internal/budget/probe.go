package budget

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// GPUProbe is the result of querying the local GPU.
type GPUProbe struct {
	Name    string
	TotalMB int64
}

const probeTimeout = 5 * time.Second

// Detect queries nvidia-smi for the GPU name and memory size. It returns an
// error on hosts without a usable NVIDIA GPU; callers fall back to a
// configured CPU-only capacity.
func Detect(ctx context.Context) (*GPUProbe, error) {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return nil, fmt.Errorf("nvidia-smi not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi query failed: %w", err)
	}

	return parseProbe(string(out))
}

func parseProbe(out string) (*GPUProbe, error) {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		// Multi-GPU hosts report one line per device; the pipeline uses
		// the first one.
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return nil, fmt.Errorf("nvidia-smi returned no devices")
	}

	idx := strings.LastIndex(line, ",")
	if idx < 0 {
		return nil, fmt.Errorf("unexpected nvidia-smi output %q", line)
	}
	name := strings.TrimSpace(line[:idx])
	mb, err := strconv.ParseInt(strings.TrimSpace(line[idx+1:]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unexpected nvidia-smi memory value in %q: %w", line, err)
	}

	return &GPUProbe{Name: name, TotalMB: mb}, nil
}

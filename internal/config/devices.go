package config

import (
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
)

const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceMPS  = "mps"
	DeviceCPU  = "cpu"
)

// DeviceChoices lists the accepted --device values
var DeviceChoices = []string{DeviceAuto, DeviceCUDA, DeviceMPS, DeviceCPU}

// DeviceProbe reports which accelerators the host offers
type DeviceProbe interface {
	CUDAAvailable() bool
	MPSAvailable() bool
}

type hostProbe struct{}

// DefaultProbe inspects the current host: CUDA when nvidia-smi is on PATH,
// MPS on Apple Silicon
var DefaultProbe DeviceProbe = hostProbe{}

func (hostProbe) CUDAAvailable() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

func (hostProbe) MPSAvailable() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

// ResolveDevice maps a requested device to one the host supports. Unknown or
// unavailable requests log a warning and fall back to auto detection, which
// prefers cuda, then mps, then cpu.
func ResolveDevice(preferred string, probe DeviceProbe, logger *slog.Logger) string {
	if probe == nil {
		probe = DefaultProbe
	}
	want := strings.ToLower(strings.TrimSpace(preferred))
	if want == "" {
		want = DeviceAuto
	}

	switch {
	case want == DeviceAuto:
	case strings.HasPrefix(want, DeviceCUDA):
		if probe.CUDAAvailable() {
			return want
		}
		logger.Warn("CUDA requested but not available, falling back to auto detection", "requested", preferred)
	case want == DeviceMPS:
		if probe.MPSAvailable() {
			return DeviceMPS
		}
		logger.Warn("MPS requested but not available, falling back to auto detection", "requested", preferred)
	case want == DeviceCPU:
		return DeviceCPU
	default:
		logger.Warn("Unknown device, falling back to auto detection", "requested", preferred)
	}

	if probe.CUDAAvailable() {
		return DeviceCUDA
	}
	if probe.MPSAvailable() {
		return DeviceMPS
	}
	return DeviceCPU
}

// DeviceEnvironment returns the environment variables a training process
// needs for device
func DeviceEnvironment(device string) []string {
	if device == DeviceMPS {
		return []string{
			"PYTORCH_ENABLE_MPS_FALLBACK=1",
			"ACCELERATE_USE_MPS_DEVICE=1",
		}
	}
	return nil
}

// Package device controls which GPUs a training run may see.
package device

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mindprince/gonvml"
	log "github.com/sirupsen/logrus"
)

// VisibleDevicesEnv is the variable CUDA runtimes read to select GPUs.
const VisibleDevicesEnv = "CUDA_VISIBLE_DEVICES"

// GPU describes one NVIDIA device.
type GPU struct {
	Index       int
	Name        string
	MemoryTotal uint64
}

// Inventory lists the GPUs found by NVML. Available is false when NVML
// could not be loaded.
type Inventory struct {
	Available bool
	Devices   []GPU
}

// nvmlClient abstracts NVML so Configure can be exercised without a driver.
type nvmlClient interface {
	Initialize() error
	Shutdown() error
	DeviceCount() (uint, error)
	Device(i uint) (GPU, error)
}

type nvml struct{}

func (nvml) Initialize() error { return gonvml.Initialize() }
func (nvml) Shutdown() error { return gonvml.Shutdown() }
func (nvml) DeviceCount() (uint, error) { return gonvml.DeviceCount() }
func (nvml) Device(i uint) (GPU, error) {
	dev, err := gonvml.DeviceHandleByIndex(i)
	if err != nil {
		return GPU{}, err
	}
	minor, err := dev.MinorNumber()
	if err != nil {
		return GPU{}, err
	}
	name, _ := dev.Name()
	total, _, _ := dev.MemoryInfo()
	return GPU{Index: int(minor), Name: name, MemoryTotal: total}, nil
}

// Configure applies the cuda flag. When cuda is false every GPU is hidden
// from the process. Otherwise the NVIDIA devices are queried and logged; a
// missing driver is reported as a warning, not an error.
func Configure(cuda bool, logger *log.Entry) Inventory {
	return configure(cuda, logger, nvml{})
}

func configure(cuda bool, logger *log.Entry, p nvmlClient) Inventory {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if !cuda {
		if err := os.Setenv(VisibleDevicesEnv, ""); err != nil {
			logger.WithError(err).Warn("cannot hide GPUs")
		}
		logger.Info("cuda disabled, GPUs hidden")
		return Inventory{}
	}

	if err := p.Initialize(); err != nil {
		logger.WithError(err).Warn("NVML unavailable, GPU inventory skipped")
		return Inventory{}
	}
	defer func() {
		if err := p.Shutdown(); err != nil {
			logger.WithError(err).Debug("NVML shutdown")
		}
	}()

	n, err := p.DeviceCount()
	if err != nil {
		logger.WithError(err).Warn("NVML device count failed")
		return Inventory{}
	}
	inv := Inventory{Available: true, Devices: make([]GPU, 0, n)}
	for i := uint(0); i < n; i++ {
		gpu, err := p.Device(i)
		if err != nil {
			logger.WithError(err).Warnf("GPU %d not readable", i)
			continue
		}
		inv.Devices = append(inv.Devices, gpu)
		logger.WithFields(log.Fields{
			"index":  gpu.Index,
			"name":   gpu.Name,
			"memory": humanize.IBytes(gpu.MemoryTotal),
		}).Info("GPU found")
	}
	if visible, ok := os.LookupEnv(VisibleDevicesEnv); ok {
		logger.WithField("visible", visible).Debug("GPU visibility set by environment")
	}
	return inv
}

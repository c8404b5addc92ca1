// Command vireo boots a Linux kernel under KVM. It assembles a
// config.LaunchSpec from the command line and hands it to the vmm
// orchestrator (spec.md §13); all parsing/validation logic beyond that
// belongs to the config and vmm packages, matching the teacher's
// main.go-is-thin convention (flag/runs.go's BootCMD.Run).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/vireo-vmm/vireo/config"
	"github.com/vireo-vmm/vireo/vmm"
)

func main() {
	os.Exit(run())
}

func run() int {
	var spec config.LaunchSpec

	var memMiB uint

	var numCPUs uint

	fs := flag.NewFlagSet("vireo", flag.ContinueOnError)
	fs.StringVar(&spec.KVMPath, "D", config.DefaultKVMPath, "path of the KVM device")
	fs.StringVar(&spec.KernelPath, "k", "", "kernel image path (ELF bzImage, required)")
	fs.StringVar(&spec.InitramfsPath, "i", "", "initramfs path")
	fs.StringVar(&spec.ConsolePath, "console", "", "redirect guest serial output to this file instead of stdout")
	fs.StringVar(&spec.NetIf, "t", "", "name of an existing host TAP interface to bridge via virtio-net")
	fs.UintVar(&numCPUs, "c", config.DefaultNumVCPUs, "number of vCPUs")
	fs.UintVar(&memMiB, "m", config.DefaultMemoryMiB, "guest memory size in MiB")
	fs.BoolVar(&spec.NoConsole, "no-console", false, "do not pump host stdin into the guest serial port")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	if numCPUs == 0 || numCPUs > 255 {
		fmt.Fprintf(os.Stderr, "vireo: -c must be between 1 and 255\n")

		return 2
	}

	if memMiB == 0 || memMiB > 1<<32-1 {
		fmt.Fprintf(os.Stderr, "vireo: -m out of range\n")

		return 2
	}

	spec.NumVCPUs = uint8(numCPUs)
	spec.MemoryMiB = uint32(memMiB)

	m, err := vmm.Configure(spec)
	if err != nil {
		log.Printf("configure: %v", err)

		return 1
	}
	defer m.Close()

	if err := m.Run(); err != nil {
		log.Printf("run: %v", err)

		return 1
	}

	return 0
}

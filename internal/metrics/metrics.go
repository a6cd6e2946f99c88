// Package metrics provides system metric sampling for reflex.
// Components never read CPU or memory numbers directly - they depend on the
// Provider interface, so tests and dry runs can inject a fake.
package metrics

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sample is one point-in-time reading of system health.
type Sample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Goroutines    int       `json:"goroutines"`
	Timestamp     time.Time `json:"timestamp"`
}

// Provider supplies metric samples.
type Provider interface {
	Sample() (Sample, error)
}

// =============================================================================
// PROC PROVIDER - real sampling from /proc
// =============================================================================

// ProcProvider reads CPU and memory usage from /proc. CPU percent is computed
// as a delta between consecutive samples; the first call reports 0.
type ProcProvider struct {
	mu        sync.Mutex
	lastTotal uint64
	lastIdle  uint64
}

// NewProcProvider creates a /proc-backed provider.
func NewProcProvider() *ProcProvider {
	return &ProcProvider{}
}

// Sample reads current CPU and memory utilization.
func (p *ProcProvider) Sample() (Sample, error) {
	s := Sample{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	cpu, err := p.sampleCPU()
	if err != nil {
		return s, err
	}
	s.CPUPercent = cpu

	mem, err := sampleMemory()
	if err != nil {
		return s, err
	}
	s.MemoryPercent = mem

	return s, nil
}

func (p *ProcProvider) sampleCPU() (float64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, fmt.Errorf("open /proc/stat: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat format")
	}

	var total, idle uint64
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse /proc/stat field %d: %w", i, err)
		}
		total += v
		// idle + iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dTotal := total - p.lastTotal
	dIdle := idle - p.lastIdle
	first := p.lastTotal == 0
	p.lastTotal = total
	p.lastIdle = idle

	if first || dTotal == 0 {
		return 0, nil
	}
	return 100 * float64(dTotal-dIdle) / float64(dTotal), nil
}

func sampleMemory() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("open /proc/meminfo: %w", err)
	}
	defer f.Close()

	var totalKB, availKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
		if totalKB > 0 && availKB > 0 {
			break
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}
	return 100 * float64(totalKB-availKB) / float64(totalKB), nil
}

// =============================================================================
// FAKE PROVIDER - injectable values for tests and dry runs
// =============================================================================

// FakeProvider returns caller-controlled samples.
type FakeProvider struct {
	mu     sync.Mutex
	sample Sample
	err    error
}

// NewFakeProvider creates a fake provider with the given initial readings.
func NewFakeProvider(cpu, mem float64) *FakeProvider {
	return &FakeProvider{sample: Sample{CPUPercent: cpu, MemoryPercent: mem}}
}

// Set replaces the readings returned by subsequent Sample calls.
func (f *FakeProvider) Set(cpu, mem float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sample.CPUPercent = cpu
	f.sample.MemoryPercent = mem
}

// SetError makes Sample return err.
func (f *FakeProvider) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Sample returns the configured reading.
func (f *FakeProvider) Sample() (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Sample{}, f.err
	}
	s := f.sample
	s.Goroutines = runtime.NumGoroutine()
	s.Timestamp = time.Now()
	return s, nil
}

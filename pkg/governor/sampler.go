package governor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ProcSampler reads host CPU and memory utilization from procfs. CPU
// percent is computed from the delta between consecutive samples, so the
// first call reports zero CPU.
type ProcSampler struct {
	mu        sync.Mutex
	lastBusy  uint64
	lastTotal uint64

	statPath    string
	meminfoPath string
}

// NewProcSampler returns a sampler over the default procfs mounts.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{statPath: "/proc/stat", meminfoPath: "/proc/meminfo"}
}

// Sample implements ResourceSampler.
func (p *ProcSampler) Sample() (cpuPct, memPct float64, err error) {
	busy, total, err := readCPUTimes(p.statPath)
	if err != nil {
		return 0, 0, err
	}

	p.mu.Lock()
	dBusy := busy - p.lastBusy
	dTotal := total - p.lastTotal
	first := p.lastTotal == 0
	p.lastBusy, p.lastTotal = busy, total
	p.mu.Unlock()

	if !first && dTotal > 0 {
		cpuPct = 100 * float64(dBusy) / float64(dTotal)
	}

	memPct, err = readMemPct(p.meminfoPath)
	if err != nil {
		return 0, 0, err
	}
	return cpuPct, memPct, nil
}

func readCPUTimes(path string) (busy, total uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		vals := make([]uint64, len(fields))
		for i, fstr := range fields {
			vals[i], _ = strconv.ParseUint(fstr, 10, 64)
		}
		for i, v := range vals {
			total += v
			// idle (index 3) and iowait (index 4) do not count as busy.
			if i != 3 && i != 4 {
				busy += v
			}
		}
		return busy, total, nil
	}
	return 0, 0, fmt.Errorf("no cpu line in %s", path)
}

func readMemPct(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var totalKB, availKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
		if totalKB > 0 && availKB > 0 {
			break
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("no MemTotal in %s", path)
	}
	return 100 * float64(totalKB-availKB) / float64(totalKB), nil
}

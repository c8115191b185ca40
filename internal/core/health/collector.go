package health

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// DefaultMemInfoPath はメモリ情報の取得元
const DefaultMemInfoPath = "/proc/meminfo"

// Usage は容量と空き容量（バイト）
type Usage struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
}

// FreePercent は空き容量の割合（%）を返します
func (u Usage) FreePercent() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Free) / float64(u.Total) * 100
}

// DiskUsage は path を含むファイルシステムの使用状況を返します
func DiskUsage(path string) (Usage, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("failed to statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return Usage{
		Total: st.Blocks * bsize,
		Free:  st.Bavail * bsize,
	}, nil
}

// MemoryUsage は meminfo 形式のファイルから MemTotal と MemAvailable を読み取ります
func MemoryUsage(path string) (Usage, error) {
	f, err := os.Open(path)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var u Usage
	var haveTotal, haveAvail bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		var target *uint64
		switch fields[0] {
		case "MemTotal:":
			target, haveTotal = &u.Total, true
		case "MemAvailable:":
			target, haveAvail = &u.Free, true
		default:
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return Usage{}, fmt.Errorf("invalid %s value %q: %w", fields[0], fields[1], err)
		}
		*target = kb * 1024
	}
	if err := scanner.Err(); err != nil {
		return Usage{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !haveTotal || !haveAvail {
		return Usage{}, fmt.Errorf("MemTotal or MemAvailable missing in %s", path)
	}
	return u, nil
}

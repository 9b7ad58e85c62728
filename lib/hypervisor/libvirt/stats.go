package libvirt

import (
	"runtime"
	"strings"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
)

// Typed parameter names returned by virConnectGetAllDomainStats.
const (
	statCPUTime        = "cpu.time"
	statBalloonCurrent = "balloon.current"
	statBalloonRSS     = "balloon.rss"
	suffixBlockRead    = ".rd.bytes"
	suffixBlockWrite   = ".wr.bytes"
	suffixNetRx        = ".rx.bytes"
	suffixNetTx        = ".tx.bytes"
)

const statsMask = uint32(golibvirt.DomainStatsCPUTotal |
	golibvirt.DomainStatsBalloon |
	golibvirt.DomainStatsInterface |
	golibvirt.DomainStatsBlock)

type cpuSample struct {
	cpuNs uint64
	at    time.Time
}

// statFields flattens a stats record into name -> value.
func statFields(params []golibvirt.TypedParam) map[string]uint64 {
	fields := make(map[string]uint64, len(params))
	for _, p := range params {
		fields[p.Field] = asUint64(p.Value.I)
	}
	return fields
}

// cpuPercent returns host CPU usage between two samples, normalized to the
// host's core count.
func cpuPercent(prev, cur cpuSample, cores float64) float64 {
	if prev.at.IsZero() || cur.cpuNs <= prev.cpuNs {
		return 0
	}
	dt := cur.at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0
	}
	cpuDelta := float64(cur.cpuNs-prev.cpuNs) / float64(time.Second)
	usage := (cpuDelta / dt) * (100.0 / cores)
	if usage > 100 {
		return 100
	}
	return usage
}

func hostCores() float64 {
	return float64(runtime.NumCPU())
}

// sumBySuffix totals block or interface counters across devices.
// Fields look like "block.0.rd.bytes" and "net.1.rx.bytes".
func sumBySuffix(fields map[string]uint64, prefix, readSuffix, writeSuffix string) (uint64, uint64) {
	var read, write uint64
	for k, v := range fields {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		switch {
		case strings.HasSuffix(k, readSuffix):
			read += v
		case strings.HasSuffix(k, writeSuffix):
			write += v
		}
	}
	return read, write
}

func asUint64(v any) uint64 {
	switch t := v.(type) {
	case uint64:
		return t
	case uint32:
		return uint64(t)
	case int64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int32:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	default:
		return 0
	}
}

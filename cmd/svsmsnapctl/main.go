// Command svsmsnapctl is a demo driver for the guest-memory snapshot
// and restore core: it backs a small arena with real Linux memory,
// marks a handful of physical pages for backup, and drives the three
// dispatchable operations against it from the command line.
//
// Flag handling follows talyz-systemd_exporter's use of
// gopkg.in/alecthomas/kingpin.v2 (package-level kingpin.Flag() vars,
// kingpin.Parse() in main).
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/coco-serverless/svsm/arena"
	"github.com/coco-serverless/svsm/dispatch"
	"github.com/coco-serverless/svsm/mem"
	"github.com/coco-serverless/svsm/metrics"
	"github.com/coco-serverless/svsm/snapshot"
	"github.com/coco-serverless/svsm/storage"
)

var (
	arenaSize    = kingpin.Flag("arena-size", "Size in bytes of the simulated guest physical memory.").Default("16777216").Uint64()
	framePoolCap = kingpin.Flag("frame-pool-capacity", "Number of 4 KiB storage frames to pre-allocate.").Default("4096").Int()
	metricsAddr  = kingpin.Flag("metrics-addr", "If set, serve Prometheus metrics on this address (e.g. :9420) instead of exiting after the run.").String()

	backupPages = kingpin.Flag("backup-page", "Physical address (hex or decimal) of a 4 KiB page to back up. May be repeated.").Strings()
	op          = kingpin.Arg("operation", "Operation to run: full-backup, enable-cow, or restore.").Required().Enum("full-backup", "enable-cow", "restore")
)

type stdLogger struct{}

func (stdLogger) Infof(format string, args ...any) {
	log.Printf(format, args...)
}

func parsePhysAddr(s string) (mem.PhysAddr, error) {
	base := 10
	if strings.HasPrefix(s, "0x") {
		s = strings.TrimPrefix(s, "0x")
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, err
	}
	return mem.PhysAddr(v), nil
}

func main() {
	kingpin.Version("svsmsnapctl 0.1.0")
	kingpin.Parse()

	a, err := arena.New(*arenaSize)
	if err != nil {
		log.Fatalf("creating arena: %v", err)
	}
	defer a.Close()

	pool := storage.NewFramePool(*framePoolCap)
	ctrl := snapshot.New(a, pool, a, a, a, a, stdLogger{})

	for _, raw := range *backupPages {
		paddr, err := parsePhysAddr(raw)
		if err != nil {
			log.Fatalf("invalid --backup-page %q: %v", raw, err)
		}
		ctrl.PagesToBackup.Insert(paddr, mem.PageRegular)
	}

	var serverDone chan struct{}
	if *metricsAddr != "" {
		prometheus.MustRegister(metrics.NewCollector(a, ctrl.Store))
		http.Handle("/metrics", promhttp.Handler())
		serverDone = make(chan struct{})
		go func() {
			defer close(serverDone)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	code := codeFor(*op)
	if err := dispatch.Dispatch(ctrl, code, nil); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", *op, err)
		os.Exit(1)
	}

	fmt.Printf("%s succeeded\n", *op)
	if serverDone != nil {
		<-serverDone
	}
}

func codeFor(operation string) uint32 {
	switch operation {
	case "full-backup":
		return dispatch.CodeFullBackup
	case "restore":
		return dispatch.CodeRestore
	case "enable-cow":
		return dispatch.CodeEnableCopyOnWrite
	default:
		panic("unreachable: kingpin.Enum validated operation")
	}
}

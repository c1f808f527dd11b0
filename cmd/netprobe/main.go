// netprobe runs on each sandbox host. It attaches an eBPF socket filter to
// the sandbox bridge, accumulates per-IP byte counters in a kernel map, and
// publishes them to Redis where the runtime core's sampler reads them. The
// engine's own network numbers are unusable under gVisor network isolation;
// this is the replacement path.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/redis/go-redis/v9"

	"github.com/codeloft/backend/internal/netmon"
)

const (
	dirRx = 0
	dirTx = 1
)

// trafficKey matches the C key struct layout.
type trafficKey struct {
	Addr uint32 // network byte order
	Dir  uint8
	_    [3]uint8
}

func main() {
	var (
		iface     = flag.String("iface", "codeloft0", "bridge interface to monitor")
		redisAddr = flag.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
		interval  = flag.Duration("interval", 2*time.Second, "publish interval")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if err := run(*iface, *redisAddr, *interval); err != nil {
		slog.Error("netprobe exited", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(iface, redisAddr string, interval time.Duration) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("memlock: %w", err)
	}

	objs := netmonObjects{}
	if err := loadNetmonObjects(&objs, nil); err != nil {
		return fmt.Errorf("load bpf objects: %w", err)
	}
	defer objs.Close()

	sock, err := attachSocketFilter(iface, &objs)
	if err != nil {
		return err
	}
	defer syscall.Close(sock)
	slog.Info("socket filter attached", "iface", iface)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	pub := netmon.NewPublisher(rdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case <-ticker.C:
			if err := publishCounters(ctx, &objs, pub); err != nil {
				slog.Warn("publish counters", "error", err)
			}
		}
	}
}

// attachSocketFilter binds a packet socket to the bridge and attaches the
// classifier program.
func attachSocketFilter(iface string, objs *netmonObjects) (int, error) {
	link, err := net.InterfaceByName(iface)
	if err != nil {
		return -1, fmt.Errorf("interface %s: %w", iface, err)
	}

	sock, err := syscall.Socket(syscall.AF_PACKET, syscall.SOCK_RAW, int(htons(syscall.ETH_P_ALL)))
	if err != nil {
		return -1, fmt.Errorf("packet socket: %w", err)
	}

	addr := syscall.SockaddrLinklayer{
		Protocol: htons(syscall.ETH_P_ALL),
		Ifindex:  link.Index,
	}
	if err := syscall.Bind(sock, &addr); err != nil {
		syscall.Close(sock)
		return -1, fmt.Errorf("bind %s: %w", iface, err)
	}

	if err := syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, soAttachBPF,
		objs.CountPackets.FD()); err != nil {
		syscall.Close(sock)
		return -1, fmt.Errorf("attach filter: %w", err)
	}
	return sock, nil
}

// soAttachBPF is SO_ATTACH_BPF; the syscall package predates it.
const soAttachBPF = 50

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// publishCounters walks the kernel map, folds per-CPU slots, and pushes one
// rx/tx pair per sandbox IP.
func publishCounters(ctx context.Context, objs *netmonObjects, pub *netmon.Publisher) error {
	type pair struct{ rx, tx uint64 }
	byAddr := make(map[uint32]pair)

	var (
		key  trafficKey
		vals []uint64 // one slot per CPU
	)
	it := objs.Traffic.Iterate()
	for it.Next(&key, &vals) {
		var total uint64
		for _, v := range vals {
			total += v
		}
		p := byAddr[key.Addr]
		if key.Dir == dirRx {
			p.rx += total
		} else {
			p.tx += total
		}
		byAddr[key.Addr] = p
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("iterate traffic map: %w", err)
	}

	for addr, p := range byAddr {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, addr)
		if err := pub.Publish(ctx, ip.String(), p.rx, p.tx); err != nil {
			return err
		}
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/HomebrewDotNET/Sels.Core-sub004/pkg/lockclient"
)

// ProtectedResource simulates a downstream system that must only ever be
// entered by one client. Overlaps count entries made while someone else was
// still inside.
type ProtectedResource struct {
	mu       sync.Mutex
	inside   int
	entries  int64
	overlaps int64
}

func (p *ProtectedResource) Enter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inside > 0 {
		p.overlaps++
	}
	p.inside++
	p.entries++
}

func (p *ProtectedResource) Leave() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inside--
}

func (p *ProtectedResource) Stats() (entries, overlaps int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries, p.overlaps
}

type counters struct {
	acqOK     int64
	acqFail   int64
	releaseOK int64
	stale     int64
	errCount  int64
}

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:8080", "LockServer base URL")
		lockName  = flag.String("lock", "hotlock", "resource name")
		clients   = flag.Int("clients", 50, "number of concurrent clients")
		duration  = flag.Duration("duration", 20*time.Second, "test duration")
		ttl       = flag.Duration("ttl", 800*time.Millisecond, "lease expiry (0 => never expires)")
		wait      = flag.Duration("wait", 2*time.Second, "server-side wait per Lock call")
		mode      = flag.String("mode", "lock", "acquire mode: lock (server queue) or trylock (client retry)")
		hold      = flag.Duration("hold", 30*time.Millisecond, "time spent in critical section")
		jitter    = flag.Duration("jitter", 30*time.Millisecond, "extra random sleep while holding")
		failRate  = flag.Float64("failrate", 0.03, "probability to sleep past ttl (simulate GC pause / stall)")
		keepAlive = flag.Bool("keepalive", false, "extend leases from the client while holding")
	)
	flag.Parse()

	if *mode != "lock" && *mode != "trylock" {
		fmt.Printf("unknown mode %q\n", *mode)
		return
	}

	lc := lockclient.New(*baseURL, &http.Client{Timeout: 10 * time.Second})
	pr := &ProtectedResource{}
	var c counters

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	run := runID()
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < *clients; i++ {
		requester := fmt.Sprintf("c-%d-%s", i, run)
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		g.Go(func() error {
			for gctx.Err() == nil {
				lease, err := acquire(gctx, lc, *mode, *lockName, requester, *ttl, *wait)
				if err != nil {
					var te *lockclient.TimeoutError
					var na *lockclient.NotAcquiredError
					switch {
					case errors.As(err, &te), errors.As(err, &na):
						atomic.AddInt64(&c.acqFail, 1)
					case gctx.Err() != nil:
						return nil
					default:
						atomic.AddInt64(&c.errCount, 1)
						time.Sleep(20 * time.Millisecond)
					}
					continue
				}
				atomic.AddInt64(&c.acqOK, 1)

				hbCtx, stopHB := context.WithCancel(gctx)
				var hb <-chan error
				if *keepAlive && *ttl > 0 {
					hb = lc.StartKeepAlive(hbCtx, lease, lockclient.KeepAliveOptions{})
				}

				// critical section
				pr.Enter()
				// Failure injection: sometimes sleep past TTL to simulate lease expiry mid-CS
				if *ttl > 0 && rng.Float64() < *failRate {
					time.Sleep(*ttl + 50*time.Millisecond)
				} else {
					time.Sleep(*hold + time.Duration(rng.Int63n(int64(*jitter)+1)))
				}
				pr.Leave()

				stopHB()
				if hb != nil {
					for err := range hb {
						var stale *lockclient.StaleLockError
						if errors.As(err, &stale) {
							atomic.AddInt64(&c.stale, 1)
						}
					}
				}

				// release reports false when the lease expired and someone else took over
				released, err := lc.Unlock(context.Background(), lease)
				switch {
				case err != nil:
					atomic.AddInt64(&c.errCount, 1)
				case released:
					atomic.AddInt64(&c.releaseOK, 1)
				}

				// small think time to avoid tight loop
				time.Sleep(5 * time.Millisecond)
			}
			return nil
		})
	}

	_ = g.Wait()
	elapsed := time.Since(start)

	entries, overlaps := pr.Stats()

	fmt.Println("=== LockServer Contention Test ===")
	fmt.Printf("duration: %s, clients: %d, resource: %s, mode: %s\n", elapsed, *clients, *lockName, *mode)
	fmt.Printf("acquire_success: %d\n", c.acqOK)
	fmt.Printf("acquire_fail:    %d\n", c.acqFail)
	fmt.Printf("release_success: %d\n", c.releaseOK)
	fmt.Printf("entries:         %d\n", entries)
	fmt.Printf("overlaps:        %d\n", overlaps)
	fmt.Printf("stale_leases:    %d\n", c.stale)
	fmt.Printf("errors:          %d\n", c.errCount)

	// overlaps should stay 0 unless failrate > 0 lets leases lapse mid-section
	// without -keepalive.
}

func acquire(ctx context.Context, lc *lockclient.Client, mode, resource, requester string, ttl, wait time.Duration) (lockclient.Lease, error) {
	if mode == "trylock" {
		return lc.TryLockWithRetry(ctx, resource, requester, lockclient.AcquireOptions{
			TTL:          ttl,
			MaxTotalWait: wait,
		})
	}
	return lc.Lock(ctx, resource, requester, ttl, wait)
}

func runID() string {
	return uuid.NewString()[:8]
}

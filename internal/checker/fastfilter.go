package checker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/proxy-rotator/internal/pool"
	log "github.com/sirupsen/logrus"
)

// FastConnectFilter performs a TCP-only pre-check so dead proxies are retired
// without spending full HTTP probes on them. It returns the connectable
// descriptors and a not-working result for every other one.
func FastConnectFilter(ctx context.Context, descriptors []pool.Descriptor, timeout time.Duration, concurrency int) ([]pool.Descriptor, []Result) {
	if len(descriptors) == 0 {
		return descriptors, nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startTime := time.Now()
	connectable := make([]bool, len(descriptors))
	errs := make([]error, len(descriptors))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, d := range descriptors {
		sem <- struct{}{}
		wg.Add(1)

		go func(i int, addr string) {
			defer wg.Done()
			defer func() { <-sem }()

			errs[i] = testTCPConnection(ctx, addr, timeout)
			connectable[i] = errs[i] == nil
		}(i, d.Endpoint().Address())
	}
	wg.Wait()

	kept := make([]pool.Descriptor, 0, len(descriptors))
	var dropped []Result
	for i, d := range descriptors {
		if connectable[i] {
			kept = append(kept, d)
			continue
		}
		dropped = append(dropped, Result{
			ID:    d.ID,
			Proxy: d.URL,
			Error: fmt.Sprintf("connect: %v", errs[i]),
		})
	}

	log.Infof("Fast filter complete: %d/%d connectable in %v",
		len(kept), len(descriptors), time.Since(startTime))

	return kept, dropped
}

func testTCPConnection(ctx context.Context, address string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// rtexp-benchmark - Benchmark tool for the rtexp server
//
// Usage:
//
//	rtexp-benchmark [flags]
//
// Flags:
//
//	-addr string     Server address (default "localhost:6380")
//	-clients int     Number of parallel clients (default 50)
//	-requests int    Total number of requests (default 100000)
//	-ttl int         TTL in milliseconds for armed timers (default 60000)
//	-test string     Test type: expire,ttl,setex,unexpire,mixed (default "mixed")
//	-password string Password for AUTH
package main

import (
	"flag"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashdb/rtexp/internal/client"
)

func main() {
	addr := flag.String("addr", "localhost:6380", "Server address")
	clients := flag.Int("clients", 50, "Number of parallel clients")
	requests := flag.Int("requests", 100000, "Total number of requests")
	ttl := flag.Int64("ttl", 60000, "TTL in milliseconds for armed timers")
	testType := flag.String("test", "mixed", "Test type: expire,ttl,setex,unexpire,mixed")
	password := flag.String("password", "", "Password for AUTH")
	flag.Parse()

	if *clients <= 0 {
		*clients = 1
	}

	fmt.Println("====== rtexp Benchmark ======")
	fmt.Printf("Server: %s\n", *addr)
	fmt.Printf("Clients: %d\n", *clients)
	fmt.Printf("Requests: %d\n", *requests)
	fmt.Printf("Test: %s\n", *testType)
	fmt.Println()

	var completed int64
	var errors int64
	reqPerClient := *requests / *clients
	latencies := make([][]time.Duration, *clients)

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			c, err := client.Dial(*addr, client.Options{Password: *password})
			if err != nil {
				atomic.AddInt64(&errors, int64(reqPerClient))
				return
			}
			defer c.Close()

			lat := make([]time.Duration, 0, reqPerClient)
			for j := 0; j < reqPerClient; j++ {
				key := fmt.Sprintf("bench:%d:%d", clientID, j)

				t0 := time.Now()
				if err := runOne(c, *testType, key, j, *ttl); err != nil {
					atomic.AddInt64(&errors, 1)
					continue
				}
				lat = append(lat, time.Since(t0))
				atomic.AddInt64(&completed, 1)
			}
			latencies[clientID] = lat
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	var all []time.Duration
	for _, l := range latencies {
		all = append(all, l...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	fmt.Println("====== Results ======")
	fmt.Printf("Total time: %v\n", elapsed)
	fmt.Printf("Completed: %d\n", completed)
	fmt.Printf("Errors: %d\n", errors)
	if completed == 0 {
		return
	}
	fmt.Printf("Requests/sec: %.2f\n", float64(completed)/elapsed.Seconds())
	fmt.Printf("p50 latency: %v\n", percentile(all, 0.50))
	fmt.Printf("p99 latency: %v\n", percentile(all, 0.99))
	fmt.Printf("p99.9 latency: %v\n", percentile(all, 0.999))
}

func runOne(c *client.Client, test, key string, j int, ttl int64) error {
	switch test {
	case "expire":
		return c.Expire(key, ttl)
	case "ttl":
		_, err := c.TTL(key)
		return err
	case "setex":
		return c.SetEx(key, "value", ttl)
	case "unexpire":
		if err := c.Expire(key, ttl); err != nil {
			return err
		}
		return c.Unexpire(key)
	case "mixed":
		switch j % 4 {
		case 0, 1:
			return c.Expire(key, ttl)
		case 2:
			_, err := c.TTL(key)
			return err
		default:
			return c.SetEx(key, "value", ttl)
		}
	default:
		return c.Ping()
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

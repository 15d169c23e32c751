// rtexp-cli sends one command to an rtexp server, or runs the expiration
// smoke test when no command is given.
//
// Usage:
//
//	rtexp-cli [-addr host:port] [-a password] [command [args...]]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flashdb/rtexp/internal/client"
	"github.com/flashdb/rtexp/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6380", "Server address")
	password := flag.String("a", "", "Password for AUTH")
	wait := flag.Duration("wait", 3*time.Second, "Smoke test: time to wait between the two RTTL checks")
	flag.Parse()

	c, err := client.Dial(*addr, client.Options{Password: *password, Timeout: 5*time.Second + *wait})
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if flag.NArg() > 0 {
		v, err := c.Do(flag.Arg(0), flag.Args()[1:]...)
		var se *client.ServerError
		if err != nil && !errors.As(err, &se) {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(v.String())
		return
	}

	if err := smoke(c, *wait); err != nil {
		fmt.Printf("\n✗ %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\n✓ All checks passed!")
}

func run(c *client.Client, name string, args ...string) (protocol.Value, error) {
	fmt.Printf(">>> %s", name)
	for _, a := range args {
		fmt.Printf(" %s", a)
	}
	fmt.Println()
	v, err := c.Do(name, args...)
	if err != nil {
		return v, err
	}
	fmt.Printf("<<< %s\n", v.String())
	return v, nil
}

// smoke arms a timer, watches it count down, cancels it and checks the
// value survived.
func smoke(c *client.Client, wait time.Duration) error {
	const key = "rtexp-cli:smoke"
	const ttl = 10000

	if _, err := run(c, "PING"); err != nil {
		return err
	}
	if _, err := run(c, "SET", key, "original"); err != nil {
		return err
	}
	if _, err := run(c, "REXPIRE", key, fmt.Sprint(ttl)); err != nil {
		return err
	}

	v, err := run(c, "RTTL", key)
	if err != nil {
		return err
	}
	if v.Num > ttl || v.Num < ttl-500 {
		return fmt.Errorf("RTTL right after REXPIRE = %d, want about %d", v.Num, ttl)
	}

	fmt.Printf("... sleeping %v\n", wait)
	time.Sleep(wait)
	v, err = run(c, "RTTL", key)
	if err != nil {
		return err
	}
	want := int64(ttl) - wait.Milliseconds()
	if v.Num > want || v.Num < want-500 {
		return fmt.Errorf("RTTL after %v = %d, want about %d", wait, v.Num, want)
	}

	if _, err := run(c, "RUNEXPIRE", key); err != nil {
		return err
	}
	v, err = run(c, "RTTL", key)
	if err != nil {
		return err
	}
	if v.Num != -2 {
		return fmt.Errorf("RTTL after RUNEXPIRE = %d, want -2", v.Num)
	}

	v, err = run(c, "GET", key)
	if err != nil {
		return err
	}
	if v.Str != "original" {
		return fmt.Errorf("GET after RUNEXPIRE = %q, want %q", v.Str, "original")
	}

	if _, err := run(c, "RSETEX", key, "short-lived", "100"); err != nil {
		return err
	}
	time.Sleep(300 * time.Millisecond)
	v, err = run(c, "GET", key)
	if err != nil {
		return err
	}
	if !v.Null {
		return fmt.Errorf("key still present after its RSETEX deadline")
	}
	return nil
}

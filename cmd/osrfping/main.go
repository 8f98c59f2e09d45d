// Command osrfping sends one envelope to a service's well-known inbox and
// waits for a reply on the caller's own address, as a smoke test of a live
// broker and configuration. It is deliberately thin: it performs bootstrap,
// one send, one receive, and teardown, with no retry or dispatch logic of
// its own.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/berick/opensrf-go/osaddr"
	"github.com/berick/opensrf-go/osbootstrap"
	"github.com/berick/opensrf-go/osmsg"
)

func main() {
	configFile := flag.String("config", "opensrf.yml", "path to the configuration YAML document")
	domain := flag.String("domain", "", "broker domain to connect to")
	profile := flag.String("profile", "gateway", "connection profile name within the configuration")
	service := flag.String("service", "opensrf.math", "service to ping")
	timeout := flag.Duration("timeout", 5*time.Second, "how long to wait for a reply")
	flag.Parse()

	if *domain == "" {
		log.Fatal("osrfping: -domain is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+time.Second)
	defer cancel()

	bctx, err := osbootstrap.Init(ctx, osbootstrap.InitOptions{
		ConfigFile: *configFile,
		Domain:     *domain,
		Profile:    *profile,
	})
	if err != nil {
		log.Fatalf("osrfping: bootstrap: %v", err)
	}
	defer osbootstrap.Teardown(ctx, bctx)

	thread := osaddr.RandSuffix(os.Getpid())
	body, _ := json.Marshal(map[string]any{"ping": time.Now().Unix()})

	recipient := osaddr.ServiceAddress(*service)
	if err := bctx.TransportClient.Send(ctx, recipient, thread, body); err != nil {
		log.Fatalf("osrfping: send: %v", err)
	}

	env, err := bctx.TransportClient.Recv(ctx, *timeout)
	if err != nil {
		log.Fatalf("osrfping: recv: %v", err)
	}
	if env == nil {
		log.Fatalf("osrfping: no reply from %s within %s", *service, *timeout)
	}

	fmt.Printf("reply from %s on thread %s: %s\n", env.Sender, env.Thread, decodeBody(env))
}

func decodeBody(env *osmsg.Envelope) string {
	return string(env.Body)
}

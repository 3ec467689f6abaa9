// rtcprobe is a headless diagnostic client for the HomeSwift realtime
// stack: it signs in with a token, announces presence, and logs the
// envelope, presence, and chat traffic it observes. Useful for checking
// a rendezvous deployment without the browser client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/config"
	"github.com/brendanx22/HomeSwift.co-sub002/internal/messenger"
)

var (
	configPath = flag.String("config", "", "Path to config file (defaults apply when missing)")
	token      = flag.String("token", "", "Bearer token (or set HOMESWIFT_TOKEN)")
	name       = flag.String("name", "rtcprobe", "Display name announced with presence")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("rtcprobe v%s\n", appVersion)
		return
	}

	tok := *token
	if tok == "" {
		tok = os.Getenv("HOMESWIFT_TOKEN")
	}
	if tok == "" {
		fmt.Fprintln(os.Stderr, "Error: a token is required (-token or HOMESWIFT_TOKEN)")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("PROBE: config: %v", err)
	}

	svc, err := messenger.New(cfg,
		func() (string, error) { return tok, nil },
		messenger.Profile{FullName: *name})
	if err != nil {
		log.Fatalf("PROBE: %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	// Log everything that moves.
	envCh, stopEnv := svc.Signaling().Subscribe()
	defer stopEnv()
	presCh := svc.Presence().Subscribe()
	chatCh := svc.Chat().Subscribe()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("PROBE: connected as %s — Ctrl-C to exit", svc.SelfID())
	for {
		select {
		case env, ok := <-envCh:
			if !ok {
				return
			}
			log.Printf("PROBE: envelope %s from=%s to=%s callId=%s", env.Type, env.From, env.To, env.CallID)
		case evt := <-presCh:
			log.Printf("PROBE: presence %s user=%s conv=%s", evt.Type, evt.UserID, evt.ConversationID)
		case evt := <-chatCh:
			log.Printf("PROBE: chat %s conv=%s", evt.Type, evt.ConversationID)
		case <-sig:
			log.Printf("PROBE: shutting down")
			return
		}
	}
}

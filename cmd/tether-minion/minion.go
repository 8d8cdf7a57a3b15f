package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tetherlab/tether"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		id     = flag.String("id", "", "minion id (required)")
		master = flag.String("master", "127.0.0.1", "master host")
		pkiDir = flag.String("pki", "", "directory for keys (default pki/<id>)")
	)
	flag.Parse()
	if *id == "" {
		log.Fatalf("-id is required")
	}

	cfg := tether.NewConfig()
	cfg.ID = *id
	cfg.MasterHost = *master
	cfg.PkiDir = *pkiDir
	if cfg.PkiDir == "" {
		cfg.PkiDir = "pki/" + *id
	}

	auth, err := tether.NewAuthSession(cfg)
	if err != nil {
		log.Fatalf("auth session: %v", err)
	}
	rc := tether.NewRequestChannel(cfg, auth)
	defer rc.Close()

	// a worker runner keeps broadcast handling off the read
	// goroutine so handlers may block freely.
	runner := tether.NewWorkerRunner(0)
	defer runner.Close()

	pub := tether.NewPublishClient(cfg, auth)
	pub.OnMessage(func(ld tether.Load) {
		runner.Run(func() {
			fmt.Printf("job: %v\n", ld)
		})
	})
	pub.OnConnect(func(reconnect bool) {
		tag, data := tether.StartEvent(*id)
		if err := tether.FireMasterEvent(rc, tag, data); err != nil {
			fmt.Printf("could not fire start event: %v\n", err)
		}
	})
	pub.OnDisconnect(func(err error) {
		fmt.Printf("publish stream down: %v\n", err)
	})
	if err := pub.Connect(0); err != nil {
		log.Fatalf("publish connect: %v", err)
	}
	defer pub.Close()

	fmt.Printf("minion '%v' up against %v\n", *id, cfg.ReqAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Printf("shutting down.\n")
}

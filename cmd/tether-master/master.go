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
		iface      = flag.String("iface", "0.0.0.0", "interface to bind")
		reqPort    = flag.Int("req", tether.DefaultReqPort, "request port")
		pubPort    = flag.Int("pub", tether.DefaultPublishPort, "publish port")
		pullAddr   = flag.String("pull", fmt.Sprintf("127.0.0.1:%v", tether.DefaultPullPort), "pull endpoint address ('' to disable)")
		pkiDir     = flag.String("pki", "pki/master", "directory for keys")
		autoAccept = flag.Bool("auto-accept", false, "accept every new minion key (unsafe outside a lab)")
		signPub    = flag.Bool("sign-pub", false, "sign published broadcasts")
	)
	flag.Parse()

	cfg := tether.NewConfig()
	cfg.ID = "master"
	cfg.Interface = *iface
	cfg.ReqPort = *reqPort
	cfg.PublishPort = *pubPort
	cfg.PkiDir = *pkiDir
	cfg.SignPubMessages = *signPub
	if *pullAddr == "" {
		cfg.PullNetwork = ""
	} else {
		cfg.PullNetwork = "tcp"
		cfg.PullAddr = *pullAddr
	}

	var policy tether.KeyPolicy = tether.PendingPolicy{}
	if *autoAccept {
		policy = tether.AutoAcceptPolicy{}
	}
	auth, err := tether.NewAuthority(cfg, nil, policy)
	if err != nil {
		log.Fatalf("authority: %v", err)
	}

	reqSrv := tether.NewReqServer(cfg, auth)
	reqSrv.SetHandler(func(id string, load tether.Load) (interface{}, error) {
		cmd, _ := load.GetString("cmd")
		switch cmd {
		case "_minion_event":
			tag, _ := load.GetString("tag")
			fmt.Printf("event from %v: %v\n", id, tag)
			return tether.Load{"ok": true}, nil
		case "ping":
			return tether.Load{"pong": true}, nil
		}
		return nil, fmt.Errorf("unknown command '%v'", cmd)
	})
	if err := reqSrv.Start(); err != nil {
		log.Fatalf("request server: %v", err)
	}
	defer reqSrv.Close()

	pubSrv := tether.NewPubServer(cfg, auth)
	pubSrv.OnPresence(func(id string, present bool) {
		fmt.Printf("presence: %v present=%v\n", id, present)
	})
	if err := pubSrv.Start(); err != nil {
		log.Fatalf("publish server: %v", err)
	}
	defer pubSrv.Close()

	fmt.Printf("master up: req %v, pub %v\n", reqSrv.Addr(), pubSrv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Printf("shutting down.\n")
}

// Command replicastub is a stand-in replica process. The replica manager
// launches it with a single argument, the replica file:
//
//	replicastub dvl.json
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"replicamgr/internal/replicastub"
	"replicamgr/internal/storage"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <replica-file>", os.Args[0])
	}

	cfg, err := replicastub.LoadConfig(os.Args[1])
	if err != nil {
		log.Fatalf("failed to load replica file: %v", err)
	}

	store := storage.NewInMemoryStore()
	if err := storage.Load(store, cfg.Records); err != nil {
		log.Fatalf("failed to load records: %v", err)
	}

	srv := replicastub.NewServer(store, log.Default())
	if err := srv.Listen(cfg.Listen); err != nil {
		log.Fatalf("%v", err)
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		srv.Close()
	}()

	if err := srv.Serve(); err != nil {
		log.Fatalf("%v", err)
	}
	log.Println("replica stopped")
}

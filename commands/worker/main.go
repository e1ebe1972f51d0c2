// Drain the archive queue.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/tabdash/mailsync/config"
	"github.com/tabdash/mailsync/services"
	"github.com/tabdash/mailsync/setup"
	"github.com/tabdash/mailsync/worker"
)

func checkError(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	config.LoadEnvFile()

	dbConns, err := config.GetInt("PG_WORKER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 20", err)
		dbConns = 20
	}

	err = setup.DB(setup.DefaultConnection, dbConns)
	checkError(err)

	go setup.MeasureActiveQueries(1 * time.Second)
	go setup.MeasureQueueDepth(5 * time.Second)
	go setup.MeasureItemsByStatus(1 * time.Second)

	// Every minute, check for processing items that haven't been updated for
	// 7 minutes, and mark them as failed so they retry.
	go services.WatchStuckItems(1*time.Minute, 7*time.Minute)

	// Once a day, delete terminal queue items past the retention window.
	go services.WatchCleanup(24 * time.Hour)

	// We're going to make a lot of requests to the same Gmail host.
	httpConns, err := config.GetInt("HTTP_MAX_IDLE_CONNS")
	if err == nil {
		config.SetMaxIdleConnsPerHost(httpConns)
	} else {
		config.SetMaxIdleConnsPerHost(100)
	}

	metrics.Namespace = "mailsync.worker"
	metrics.Start("worker")

	p := worker.NewPoller(services.DefaultProcessor())
	checkError(p.Start())

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigterm
	fmt.Printf("Caught signal %v, shutting down...\n", sig)
	if err := p.Shutdown(); err != nil {
		log.Printf("Error shutting down poller: %s\n", err.Error())
	}
	fmt.Println("Poller shut down. Quitting.")
}

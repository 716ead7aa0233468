package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/librescoot/wcnss-mux/internal/endpoint"
	"github.com/librescoot/wcnss-mux/internal/mux"
	"github.com/librescoot/wcnss-mux/internal/status"
	"github.com/librescoot/wcnss-mux/internal/transport"
)

// Configuration flags
var (
	serialDevice  = flag.String("serial", "/dev/ttySAC0", "Serial device path shared by the BT/ANT stacks")
	btSocketName  = flag.String("bt-socket", "bt_sock", "Abstract-namespace socket name for the Bluetooth HCI client")
	antSocketName = flag.String("ant-socket", "ant_sock", "Abstract-namespace socket name for the ANT radio client")
	redisAddr     = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass     = flag.String("redis-pass", "", "Redis password")
	redisDB       = flag.Int("redis-db", 0, "Redis database number")
	statusKey     = flag.String("status-key", "wcnss-mux", "Redis hash key for status fields")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("starting wcnss-mux")
	log.Printf("serial device: %s", *serialDevice)
	log.Printf("bt socket: @%s, ant socket: @%s", *btSocketName, *antSocketName)
	log.Printf("redis address: %s", *redisAddr)

	// A client disconnecting mid-write must never kill this process via the
	// default SIGPIPE action; write failures are handled as ordinary errors.
	signal.Ignore(syscall.SIGPIPE)

	st, err := status.New(*redisAddr, *redisPass, *redisDB, *statusKey)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer st.Close()
	log.Printf("connected to redis")

	tr, err := transport.Open(*serialDevice)
	if err != nil {
		log.Fatalf("failed to open transport: %v", err)
	}
	defer tr.Close()
	log.Printf("transport configured: raw, 8N1, RTS/CTS, 3000000 baud")

	logger := log.Default()
	btEndpoint := endpoint.New(*btSocketName, logger)
	antEndpoint := endpoint.New(*antSocketName, logger)

	m := mux.New(tr, btEndpoint, antEndpoint, st, logger)

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErr:
		log.Printf("transport loop stopped: %v", err)
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	}

	if err := st.MarkTransportStopped(); err != nil {
		log.Printf("failed to mark transport stopped: %v", err)
	}
	log.Printf("wcnss-mux exiting")
}

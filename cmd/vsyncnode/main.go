package main

import (
	"fmt"
	"log"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"syscall"

	"github.com/felixge/fgprof"
	"github.com/spf13/pflag"

	"github.com/joe-zxh/vsync"
	"github.com/joe-zxh/vsync/config"
	"github.com/joe-zxh/vsync/consensus"
	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/store"
	"github.com/joe-zxh/vsync/store/sqlite"
	"github.com/joe-zxh/vsync/tracesink"
)

func usage() {
	fmt.Printf("Usage: %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Loads configuration from the file specified by --config, VSYNC_* environment variables and flags")
	fmt.Println()
	fmt.Println("Options:")
	pflag.PrintDefaults()
}

func main() {
	pflag.Usage = usage

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	d := config.Default()
	help := pflag.BoolP("help", "h", false, "Prints this text.")
	configFile := pflag.String("config", "", "The path to the config file")
	keygen := pflag.String("keygen", "", "Write a new key pair to <path>.key and <path>.pub and exit")
	cpuprofile := pflag.String("cpuprofile", "", "File to write CPU profile to")
	memprofile := pflag.String("memprofile", "", "File to write memory profile to")
	fullprofile := pflag.String("fullprofile", "", "File to write fgprof profile to")
	traceFile := pflag.String("trace", "", "File to write execution trace to")
	printDeliveries := pflag.Bool("print-deliveries", false, "Delivered publications will be printed to stdout")
	pflag.String("self-id", "", "The name of this member, e.g. /n1")
	pflag.String("peer-listen", "", "Override the listen address for the peer server")
	pflag.String("client-listen", "", "Override the listen address for the client server")
	pflag.String("privkey", "", "The path to the private key file")
	pflag.String("cert", "", "Path to the certificate")
	pflag.Bool("tls", false, "Enable TLS")
	pflag.Bool("sign", false, "Sign publications and verify fetched ones")
	pflag.String("ordering", "causal", "Delivery order: causal, fifo or none")
	pflag.Bool("publish", false, "Publish random payloads at the configured data rate")
	pflag.Duration("heartbeat", d.HeartbeatInterval, "Digest and liveness interval")
	pflag.Duration("fetch-timeout", d.FetchTimeout, "How long to wait for a fetched publication")
	pflag.Bool("lossy", false, "Give up on unfetchable publications instead of suspecting the source")
	pflag.Int64("seed", 0, "Seed for timing jitter")
	pflag.Float64("data-rate", d.DataRate, "Publications per second when --publish is set")
	pflag.String("quorum", string(d.Quorum), "View change quorum: majority or all")
	pflag.String("store", "memory", "Publication store: memory or sqlite")
	pflag.String("store-path", "", "SQLite database file for --store=sqlite")
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	if *keygen != "" {
		if err := generateKeys(*keygen); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate keys: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	if *fullprofile != "" {
		f, err := os.Create(*fullprofile)
		if err != nil {
			log.Fatal("Could not create fgprof profile: ", err)
		}
		defer f.Close()
		stop := fgprof.Start(f, fgprof.FormatPprof)

		defer func() {
			err := stop()
			if err != nil {
				log.Fatal("Could not write fgprof profile: ", err)
			}
		}()
	}

	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			log.Fatal("Could not create trace file: ", err)
		}
		defer f.Close()
		if err := trace.Start(f); err != nil {
			log.Fatal("Failed to start trace: ", err)
		}
		defer trace.Stop()
	}

	opts, err := config.Load(*configFile, pflag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		os.Exit(1)
	}

	log.Printf("member %s starts", opts.SelfID)

	st, err := openStore(opts.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}

	upcall := func(pub *data.Publication, local bool) {
		if *printDeliveries {
			fmt.Printf("%s local=%v %v\n", pub.Name(), local, pub.Vector)
		}
	}
	node, err := vsync.New(opts, st, upcall)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create node: %v\n", err)
		os.Exit(1)
	}

	sink, err := openTraceSinks(opts.Trace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open trace sinks: %v\n", err)
		os.Exit(1)
	}
	if sink != nil {
		tracesink.Attach(node.VSyncCore, sink)
	}

	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	if opts.Publish {
		node.StartPublishing()
	}

	select {
	case <-signals:
		log.Println("Exiting...")
		node.Leave()
	case <-node.Done():
		log.Println("Left the group")
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			log.Printf("Failed to close trace sinks: %v", err)
		}
	}
	stats := node.Stats()
	log.Printf("published=%d fetched=%d missing=%d recovered=%d view-changes=%d",
		stats.Published.Load(), stats.Fetched.Load(), stats.Missing.Load(), stats.Recovered.Load(), stats.ViewChanges.Load())

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}

func openStore(o config.StoreOptions) (consensus.Store, error) {
	switch o.Kind {
	case "sqlite":
		return sqlite.Open(o.Path, o.Capacity)
	default:
		return store.NewMemory(o.Capacity), nil
	}
}

// openTraceSinks returns nil when tracing is off. Network sinks are
// decoupled from the engine by a bounded queue.
func openTraceSinks(o config.TraceOptions) (tracesink.Sink, error) {
	var sinks tracesink.Multi
	if o.Log {
		sinks = append(sinks, tracesink.NewLogSink(os.Stderr))
	}
	if o.Kafka.Enabled {
		k, err := tracesink.NewKafkaSink(o.Kafka.Brokers, o.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if o.RabbitMQ.Enabled {
		r, err := tracesink.DialRabbit(o.RabbitMQ.URL, o.RabbitMQ.Exchange, o.RabbitMQ.RoutingKey)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, tracesink.NewAsync(r, 0))
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func generateKeys(path string) error {
	key, err := data.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := data.WritePrivateKeyFile(key, path+".key"); err != nil {
		return err
	}
	if err := data.WritePublicKeyFile(&key.PublicKey, path+".pub"); err != nil {
		return err
	}
	log.Printf("wrote %s.key and %s.pub", path, path)
	return nil
}

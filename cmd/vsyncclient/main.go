// client that publishes through a member, queries its status or asks it to
// leave the group
package main

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/joe-zxh/vsync/config"
	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/proto"
)

type options struct {
	ClientID    string          `mapstructure:"client-id"`
	Member      string          `mapstructure:"member"`
	Address     string          `mapstructure:"address"`
	Count       int             `mapstructure:"count"`
	PayloadSize int             `mapstructure:"payload-size"`
	Interval    time.Duration   `mapstructure:"interval"`
	TLS         bool            `mapstructure:"tls"`
	Members     []config.Member `mapstructure:"members"`
}

func usage() {
	fmt.Printf("Usage: %s [options] publish|status|leave\n", os.Args[0])
	fmt.Println()
	fmt.Println("Loads member addresses from the file specified by --config")
	fmt.Println()
	fmt.Println("Options:")
	pflag.PrintDefaults()
}

func main() {
	pflag.Usage = usage

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	help := pflag.BoolP("help", "h", false, "Prints this text.")
	configFile := pflag.String("config", "", "The path to the config file")
	pflag.String("client-id", "", "Client id used to deduplicate retried publishes (default: random)")
	pflag.String("member", "", "Talk to the member with this id")
	pflag.String("address", "", "Talk to the client service at this address")
	pflag.Int("count", 1, "Number of publications to make")
	pflag.Int("payload-size", 100, "The size of the payload in bytes")
	pflag.Duration("interval", 100*time.Millisecond, "Pause between publications")
	pflag.Bool("tls", false, "Enable TLS")
	pflag.Parse()

	if *help || pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(0)
	}

	v := viper.New()
	v.BindPFlags(pflag.CommandLine)
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
			os.Exit(1)
		}
	}
	var conf options
	if err := v.Unmarshal(&conf); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unmarshal config: %v\n", err)
		os.Exit(1)
	}
	if conf.ClientID == "" {
		conf.ClientID = uuid.NewString()
	}

	conn, err := dial(&conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	cl := proto.NewClientClient(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-signals
		log.Println("Exiting...")
		cancel()
	}()

	switch pflag.Arg(0) {
	case "publish":
		err = publish(ctx, cl, &conf)
	case "status":
		err = printStatus(ctx, cl)
	case "leave":
		_, err = cl.Leave(ctx, &proto.Empty{})
	default:
		pflag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", pflag.Arg(0), err)
		os.Exit(1)
	}
}

func dial(conf *options) (*grpc.ClientConn, error) {
	addr := conf.Address
	certPool := x509.NewCertPool()
	for _, m := range conf.Members {
		if conf.TLS {
			cert, err := data.ReadCertFile(m.Cert)
			if err != nil {
				return nil, fmt.Errorf("Failed to read certificate '%s': %w", m.Cert, err)
			}
			certPool.AppendCertsFromPEM(cert)
		}
		if addr == "" && (conf.Member == "" || conf.Member == m.ID) {
			addr = m.ClientAddr
		}
	}
	if addr == "" {
		return nil, fmt.Errorf("no client address; use --address or --member")
	}

	grpcOpts := []grpc.DialOption{grpc.WithBlock()}
	if conf.TLS {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(certPool, "")))
	} else {
		grpcOpts = append(grpcOpts, grpc.WithInsecure())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return grpc.DialContext(ctx, addr, grpcOpts...)
}

func publish(ctx context.Context, cl *proto.ClientClient, conf *options) error {
	payload := make([]byte, conf.PayloadSize)
	for i := 1; i <= conf.Count; i++ {
		if _, err := rand.Read(payload); err != nil {
			return err
		}
		req := &proto.PublishRequest{ClientId: conf.ClientID, Sequence: uint64(i), Payload: payload}
		reply, err := cl.Publish(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("%s view=(%d,%s) vector=%v\n", reply.Name, reply.View.GetEpoch(), reply.View.GetLeader(), reply.Vector)
		if i < conf.Count {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(conf.Interval):
			}
		}
	}
	return nil
}

func printStatus(ctx context.Context, cl *proto.ClientClient) error {
	st, err := cl.Status(ctx, &proto.Empty{})
	if err != nil {
		return err
	}
	members := make([]string, 0, len(st.Members))
	for _, m := range st.Members {
		members = append(members, m.Id)
	}
	fmt.Printf("self:      %s\n", st.Self)
	fmt.Printf("view:      (%d,%s) %v\n", st.View.GetEpoch(), st.View.GetLeader(), members)
	fmt.Printf("leader:    %v\n", st.Leader)
	fmt.Printf("state:     %s\n", st.State)
	fmt.Printf("vector:    %v\n", st.Vector)
	fmt.Printf("published: %d fetched: %d missing: %d delivered: %d\n", st.Published, st.Fetched, st.Missing, st.Delivered)
	return nil
}

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	gracefully "github.com/tj/go-gracefully"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"

	"github.com/brokkr-mq/brokkr/brokkr"
	"github.com/brokkr-mq/brokkr/brokkr/config"
	"github.com/brokkr-mq/brokkr/log"
	"github.com/brokkr-mq/brokkr/protocol"
)

var cli = &cobra.Command{
	Use:   "brokkr",
	Short: "Kafka-compatible message broker",
}

// brokerFlags holds the flag values for the broker command. Only flags
// the user set override the config file.
type brokerFlags struct {
	configFile      string
	id              int32
	nodeName        string
	dataDir         string
	brokerAddr      string
	raftAddr        string
	httpAddr        string
	serfAddr        string
	join            []string
	bootstrap       bool
	bootstrapExpect int
	nonVoter        bool
	storage         string
	devMode         bool
	debug           bool
}

func init() {
	var bf brokerFlags
	brokerCmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a brokkr broker",
		Run: func(cmd *cobra.Command, args []string) {
			runBroker(cmd, &bf)
		},
	}
	brokerCmd.Flags().StringVar(&bf.configFile, "config", "", "path to a YAML config file")
	brokerCmd.Flags().Int32Var(&bf.id, "id", 0, "broker id, unique in the cluster")
	brokerCmd.Flags().StringVar(&bf.nodeName, "node-name", "", "node name, defaults to the hostname")
	brokerCmd.Flags().StringVar(&bf.dataDir, "data-dir", "/tmp/brokkr", "directory for raft and log data")
	brokerCmd.Flags().StringVar(&bf.brokerAddr, "broker-addr", "0.0.0.0:9092", "client listener address")
	brokerCmd.Flags().StringVar(&bf.raftAddr, "raft-addr", "127.0.0.1:9093", "raft transport address")
	brokerCmd.Flags().StringVar(&bf.httpAddr, "http-addr", "0.0.0.0:9094", "admin and metrics listener address")
	brokerCmd.Flags().StringVar(&bf.serfAddr, "serf-addr", "0.0.0.0:9095", "serf gossip address")
	brokerCmd.Flags().StringSliceVar(&bf.join, "join", nil, "addresses of serf members to join at startup")
	brokerCmd.Flags().BoolVar(&bf.bootstrap, "bootstrap", false, "bootstrap the cluster from this node")
	brokerCmd.Flags().IntVar(&bf.bootstrapExpect, "bootstrap-expect", 0, "expected number of nodes in the cluster")
	brokerCmd.Flags().BoolVar(&bf.nonVoter, "non-voter", false, "join the raft cluster without a vote")
	brokerCmd.Flags().StringVar(&bf.storage, "storage", "", "log backend: disk or memory")
	brokerCmd.Flags().BoolVar(&bf.devMode, "dev-mode", false, "keep raft and logs in memory")
	brokerCmd.Flags().BoolVar(&bf.debug, "debug", false, "debug logging and a config dump at startup")

	var tf struct {
		brokerAddr        string
		topic             string
		partitions        int32
		replicationFactor int16
	}
	topicCmd := &cobra.Command{Use: "topic", Short: "Manage topics"}
	createTopicCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a topic",
		Run: func(cmd *cobra.Command, args []string) {
			createTopic(tf.brokerAddr, tf.topic, tf.partitions, tf.replicationFactor)
		},
	}
	createTopicCmd.Flags().StringVar(&tf.brokerAddr, "broker-addr", "127.0.0.1:9092", "broker to send the request to")
	createTopicCmd.Flags().StringVar(&tf.topic, "topic", "", "topic to create")
	createTopicCmd.Flags().Int32Var(&tf.partitions, "partitions", 1, "number of partitions")
	createTopicCmd.Flags().Int16Var(&tf.replicationFactor, "replication-factor", 1, "replicas per partition")
	if err := createTopicCmd.MarkFlagRequired("topic"); err != nil {
		panic(err)
	}
	topicCmd.AddCommand(createTopicCmd)

	cli.AddCommand(brokerCmd)
	cli.AddCommand(topicCmd)
}

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBroker(cmd *cobra.Command, bf *brokerFlags) {
	conf, err := config.Load(bf.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := overlayFlags(cmd, bf, conf); err != nil {
		fmt.Fprintf(os.Stderr, "error applying flags: %v\n", err)
		os.Exit(1)
	}

	log.SetPrefix(fmt.Sprintf("brokkr: node id: %d: ", conf.ID))
	if bf.debug {
		log.SetLevel("debug")
		spew.Dump(conf)
	}

	tracer, closer, err := jaegercfg.Configuration{
		ServiceName: "brokkr",
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:            bf.debug,
			BufferFlushInterval: 1 * time.Second,
		},
	}.NewTracer(jaegercfg.Metrics(metrics.NullFactory))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting tracer: %v\n", err)
		os.Exit(1)
	}

	broker, err := brokkr.NewBroker(conf, tracer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting broker: %v\n", err)
		os.Exit(1)
	}
	srv := brokkr.NewServer(conf, broker, brokkr.NewMetrics(), tracer, closer.Close)
	if err := srv.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error starting server: %v\n", err)
		os.Exit(1)
	}

	gracefully.Timeout = 10 * time.Second
	gracefully.Shutdown()

	if err := srv.Leave(); err != nil {
		log.Error.Printf("cmd: leave: %v", err)
	}
	if err := srv.Shutdown(); err != nil {
		log.Error.Printf("cmd: shutdown: %v", err)
		os.Exit(1)
	}
}

// overlayFlags copies explicitly-set flags over the loaded config so
// flags outrank the file.
func overlayFlags(cmd *cobra.Command, bf *brokerFlags, conf *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("id") {
		conf.ID = bf.id
	}
	if changed("node-name") {
		conf.NodeName = bf.nodeName
	}
	if changed("data-dir") || conf.DataDir == "" {
		conf.DataDir = bf.dataDir
	}
	if changed("broker-addr") {
		conf.Addr = bf.brokerAddr
	}
	if changed("raft-addr") || conf.RaftAddr == "" {
		conf.RaftAddr = bf.raftAddr
	}
	if changed("http-addr") {
		conf.HTTPAddr = bf.httpAddr
	}
	if changed("serf-addr") {
		host, portStr, err := net.SplitHostPort(bf.serfAddr)
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return err
		}
		conf.SerfLANConfig.MemberlistConfig.BindAddr = host
		conf.SerfLANConfig.MemberlistConfig.BindPort = port
	}
	if changed("join") {
		conf.StartJoinAddrsLAN = bf.join
	}
	if changed("bootstrap") {
		conf.Bootstrap = bf.bootstrap
	}
	if changed("bootstrap-expect") {
		conf.BootstrapExpect = bf.bootstrapExpect
	}
	if changed("non-voter") {
		conf.NonVoter = bf.nonVoter
	}
	if changed("storage") {
		if bf.storage != config.StorageDisk && bf.storage != config.StorageMemory {
			return fmt.Errorf("unknown storage backend %q", bf.storage)
		}
		conf.Storage = bf.storage
	}
	if changed("dev-mode") {
		conf.DevMode = bf.devMode
	}
	return nil
}

func createTopic(addr, topic string, partitions int32, replicationFactor int16) {
	conn, err := brokkr.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error connecting to broker: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	res, err := conn.CreateTopics(&protocol.CreateTopicRequests{
		Timeout: 15 * time.Second,
		Requests: []*protocol.CreateTopicRequest{{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: replicationFactor,
		}},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating topic: %v\n", err)
		os.Exit(1)
	}
	for _, code := range res.TopicErrorCodes {
		if code.ErrorCode == protocol.ErrTopicAlreadyExists.Code() {
			fmt.Fprintf(os.Stderr, "topic %s already exists\n", code.Topic)
			os.Exit(1)
		}
		if code.ErrorCode != protocol.ErrNone.Code() {
			err := protocol.Errs[code.ErrorCode]
			fmt.Fprintf(os.Stderr, "error code on topic %s: %v\n", code.Topic, err)
			os.Exit(1)
		}
	}
	fmt.Printf("created topic: %v\n", topic)
}

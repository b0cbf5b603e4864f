package brokkr_test

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brokkr-mq/brokkr/brokkr"
	"github.com/brokkr-mq/brokkr/brokkr/config"
	"github.com/brokkr-mq/brokkr/log"
	"github.com/brokkr-mq/brokkr/protocol"
)

const topic = "test_topic"

func init() {
	log.SetLevel("debug")
	sarama.Logger = log.NewStdLogger(log.New(log.DebugLevel, "server_test: sarama: "))
}

// saramaConfig returns a client config speaking the record batch format.
func saramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V0_11_0_0
	cfg.ChannelBufferSize = 1
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	return cfg
}

func TestServerProduceConsume(t *testing.T) {
	s, dir := brokkr.NewTestServer(t, func(cfg *config.Config) {
		cfg.Bootstrap = true
		cfg.BootstrapExpect = 1
	}, nil)
	defer os.RemoveAll(dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Shutdown()

	brokkr.WaitForLeader(t, s)
	createTopic(t, topic, s)

	cfg := saramaConfig(t.Name())
	addrs := []string{s.Addr().String()}
	waitForBrokers(t, addrs, cfg, 1)

	producer, err := sarama.NewSyncProducer(addrs, cfg)
	require.NoError(t, err)
	defer producer.Close()

	value := []byte("Hello, brokkr!")
	partition, offset, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder("greeting"),
		Value: sarama.ByteEncoder(value),
	})
	require.NoError(t, err)

	consumer, err := sarama.NewConsumer(addrs, cfg)
	require.NoError(t, err)
	defer consumer.Close()

	pc, err := consumer.ConsumePartition(topic, partition, 0)
	require.NoError(t, err)
	defer pc.Close()

	select {
	case msg := <-pc.Messages():
		require.Equal(t, offset, msg.Offset)
		require.Equal(t, partition, msg.Partition)
		require.Equal(t, topic, msg.Topic)
		require.Equal(t, 0, bytes.Compare(value, msg.Value))
		require.Equal(t, []byte("greeting"), msg.Key)
	case err := <-pc.Errors():
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestServerClusterReplication(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	var servers []*brokkr.Server
	var dirs []string
	for i := 0; i < 3; i++ {
		bootstrap := i == 0
		s, dir := brokkr.NewTestServer(t, func(cfg *config.Config) {
			cfg.Bootstrap = bootstrap
		}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		require.NoError(t, s.Start(ctx))
		servers = append(servers, s)
		dirs = append(dirs, dir)
	}
	defer func() {
		for i, s := range servers {
			s.Shutdown()
			os.RemoveAll(dirs[i])
		}
	}()

	brokkr.TestJoin(t, servers[0], servers[1], servers[2])
	controller, others := brokkr.WaitForLeader(t, servers...)

	// Topic creation needs the controller to know every replica, and the
	// gossip pool may still be converging.
	brokkr.RetryFunc(t, func() error {
		return tryCreateTopic(t, topic, controller, others...)
	})

	cfg := saramaConfig(t.Name())
	addrs := []string{controller.Addr().String()}
	for _, o := range others {
		addrs = append(addrs, o.Addr().String())
	}
	waitForBrokers(t, addrs, cfg, 3)

	producer, err := sarama.NewSyncProducer(addrs, cfg)
	require.NoError(t, err)
	defer producer.Close()

	value := []byte("replicated hello")
	partition, offset, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	})
	require.NoError(t, err)

	consumeOne := func(addrs []string) {
		consumer, err := sarama.NewConsumer(addrs, cfg)
		require.NoError(t, err)
		defer consumer.Close()
		pc, err := consumer.ConsumePartition(topic, partition, 0)
		require.NoError(t, err)
		defer pc.Close()
		select {
		case msg := <-pc.Messages():
			require.Equal(t, offset, msg.Offset)
			require.Equal(t, 0, bytes.Compare(value, msg.Value))
		case err := <-pc.Errors():
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	consumeOne(addrs)

	// A follower leaving must not disturb the partition: its leader
	// stays up, and metadata shrinks to the live members.
	departing := others[0]
	require.NoError(t, departing.Leave())
	require.NoError(t, departing.Shutdown())

	addrs = []string{controller.Addr().String(), others[1].Addr().String()}
	waitForBrokers(t, addrs, cfg, 2)
	consumeOne(addrs)
}

func BenchmarkServer(b *testing.B) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, dir := brokkr.NewTestServer(b, func(cfg *config.Config) {
		cfg.Bootstrap = true
		cfg.BootstrapExpect = 1
	}, nil)
	defer os.RemoveAll(dir)
	require.NoError(b, srv.Start(ctx))
	defer srv.Shutdown()

	brokkr.WaitForLeader(b, srv)
	createTopic(b, topic, srv)

	cfg := saramaConfig("benchmark-server")
	cfg.Producer.Retry.Max = 3
	addrs := []string{srv.Addr().String()}

	producer, err := sarama.NewSyncProducer(addrs, cfg)
	require.NoError(b, err)
	defer producer.Close()

	value := sarama.ByteEncoder([]byte("Hello, brokkr!"))

	var msgCount int

	b.Run("Produce", func(b *testing.B) {
		msgCount = b.N
		for i := 0; i < b.N; i++ {
			_, _, err := producer.SendMessage(&sarama.ProducerMessage{
				Topic: topic,
				Value: value,
			})
			require.NoError(b, err)
		}
	})

	b.Run("Consume", func(b *testing.B) {
		consumer, err := sarama.NewConsumer(addrs, cfg)
		require.NoError(b, err)
		defer consumer.Close()

		pc, err := consumer.ConsumePartition(topic, 0, 0)
		require.NoError(b, err)
		defer pc.Close()

		for i := 0; i < msgCount; i++ {
			select {
			case msg := <-pc.Messages():
				require.Equal(b, topic, msg.Topic)
			case err := <-pc.Errors():
				require.NoError(b, err)
			}
		}
	})
}

// waitForBrokers polls until a metadata fetch reports want live brokers.
func waitForBrokers(t testing.TB, addrs []string, cfg *sarama.Config, want int) {
	t.Helper()
	brokkr.RetryFunc(t, func() error {
		client, err := sarama.NewClient(addrs, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		if got := len(client.Brokers()); got != want {
			return errors.Errorf("%d live brokers, want %d", got, want)
		}
		return nil
	})
}

func createTopic(t testing.TB, name string, s1 *brokkr.Server, other ...*brokkr.Server) {
	t.Helper()
	require.NoError(t, tryCreateTopic(t, name, s1, other...))
}

// tryCreateTopic creates name on s1 with replicas on every given server.
// Already existing topics count as success so retries converge.
func tryCreateTopic(t testing.TB, name string, s1 *brokkr.Server, other ...*brokkr.Server) error {
	d := &brokkr.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		ClientID:  t.Name(),
	}
	conn, err := d.Dial("tcp", s1.Addr().String())
	if err != nil {
		return err
	}
	defer conn.Close()

	assignment := []int32{s1.ID()}
	for _, o := range other {
		assignment = append(assignment, o.ID())
	}
	res, err := conn.CreateTopics(&protocol.CreateTopicRequests{
		Timeout: 15 * time.Second,
		Requests: []*protocol.CreateTopicRequest{{
			Topic:             name,
			NumPartitions:     -1,
			ReplicationFactor: -1,
			ReplicaAssignment: map[int32][]int32{
				0: assignment,
			},
			Configs: map[string]*string{
				"max.message.bytes": strPointer("1048576"),
			},
		}},
	})
	if err != nil {
		return err
	}
	for _, tec := range res.TopicErrorCodes {
		if tec.ErrorCode != protocol.ErrNone.Code() && tec.ErrorCode != protocol.ErrTopicAlreadyExists.Code() {
			return errors.Errorf("create topic %s: error code %d", tec.Topic, tec.ErrorCode)
		}
	}
	return nil
}

func strPointer(v string) *string {
	return &v
}

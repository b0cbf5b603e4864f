package fsm

import (
	"encoding/binary"
	"fmt"
	"reflect"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/brokkr-mq/brokkr/brokkr/structs"
)

// Store is the in-memory, transactionally-updated view of the cluster:
// nodes, topics, partitions, groups, transactions and allocator counters.
// All writes flow through the FSM so every broker applies the same
// sequence.
type Store struct {
	schema *memdb.DBSchema
	db     *memdb.MemDB

	// abandonCh is closed when this store is swapped out by a restore so
	// watchers drop their references.
	abandonCh chan struct{}
}

// IndexEntry tracks the last raft index that modified a table.
type IndexEntry struct {
	Key   string
	Value uint64
}

func NewStore() (*Store, error) {
	schema := storeSchema()
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, errors.Wrap(err, "fsm: memdb init failed")
	}
	return &Store{
		schema:    schema,
		db:        db,
		abandonCh: make(chan struct{}),
	}, nil
}

// Abandon signals that the store has been replaced.
func (s *Store) Abandon() {
	close(s.abandonCh)
}

func (s *Store) AbandonCh() <-chan struct{} {
	return s.abandonCh
}

func storeSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"index": {
				Name: "index",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key", Lowercase: true},
					},
				},
			},
			"nodes": {
				Name: "nodes",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &int32FieldIndex{Field: "Node"},
					},
				},
			},
			"topics": {
				Name: "topics",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Topic"},
					},
				},
			},
			"partitions": {
				Name: "partitions",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Topic"},
								&int32FieldIndex{Field: "ID"},
							},
						},
					},
					"topic": {
						Name:    "topic",
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "Topic"},
					},
				},
			},
			"groups": {
				Name: "groups",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Group"},
					},
				},
			},
			"transactions": {
				Name: "transactions",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			"counters": {
				Name: "counters",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}

// int32FieldIndex indexes an int32 struct field big-endian so range scans
// order numerically.
type int32FieldIndex struct {
	Field string
}

func (i *int32FieldIndex) FromObject(obj interface{}) (bool, []byte, error) {
	v := reflect.Indirect(reflect.ValueOf(obj))
	fv := v.FieldByName(i.Field)
	if !fv.IsValid() {
		return false, nil, fmt.Errorf("fsm: field %q missing on %v", i.Field, v.Type())
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(int32(fv.Int())))
	return true, buf, nil
}

func (i *int32FieldIndex) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("fsm: int32 index takes one argument")
	}
	n, ok := args[0].(int32)
	if !ok {
		return nil, fmt.Errorf("fsm: int32 index argument must be int32, got %T", args[0])
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(n))
	return buf, nil
}

// maxIndex returns the highest raft index that modified any of the tables.
func (s *Store) maxIndex(tables ...string) uint64 {
	tx := s.db.Txn(false)
	defer tx.Abort()
	var max uint64
	for _, table := range tables {
		ti, err := tx.First("index", "id", table)
		if err != nil {
			continue
		}
		if entry, ok := ti.(*IndexEntry); ok && entry.Value > max {
			max = entry.Value
		}
	}
	return max
}

func indexUpdateTxn(tx *memdb.Txn, idx uint64, table string) error {
	return tx.Insert("index", &IndexEntry{Key: table, Value: idx})
}

// Nodes.

func (s *Store) EnsureNode(idx uint64, node *structs.Node) error {
	tx := s.db.Txn(true)
	defer tx.Abort()
	existing, err := tx.First("nodes", "id", node.Node)
	if err != nil {
		return errors.Wrap(err, "fsm: node lookup failed")
	}
	if existing != nil {
		node.CreateIndex = existing.(*structs.Node).CreateIndex
	} else {
		node.CreateIndex = idx
	}
	node.ModifyIndex = idx
	if err := tx.Insert("nodes", node); err != nil {
		return errors.Wrap(err, "fsm: node insert failed")
	}
	if err := indexUpdateTxn(tx, idx, "nodes"); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (s *Store) DeleteNode(idx uint64, id int32) error {
	tx := s.db.Txn(true)
	defer tx.Abort()
	existing, err := tx.First("nodes", "id", id)
	if err != nil {
		return errors.Wrap(err, "fsm: node lookup failed")
	}
	if existing == nil {
		return nil
	}
	if err := tx.Delete("nodes", existing); err != nil {
		return errors.Wrap(err, "fsm: node delete failed")
	}
	if err := indexUpdateTxn(tx, idx, "nodes"); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (s *Store) GetNode(id int32) (uint64, *structs.Node, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	existing, err := tx.First("nodes", "id", id)
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: node lookup failed")
	}
	if existing == nil {
		return s.maxIndex("nodes"), nil, nil
	}
	return s.maxIndex("nodes"), existing.(*structs.Node), nil
}

func (s *Store) GetNodes() (uint64, []*structs.Node, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("nodes", "id")
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: nodes iterate failed")
	}
	var nodes []*structs.Node
	for next := it.Next(); next != nil; next = it.Next() {
		nodes = append(nodes, next.(*structs.Node))
	}
	return s.maxIndex("nodes"), nodes, nil
}

// Topics.

func (s *Store) EnsureTopic(idx uint64, topic *structs.Topic) error {
	tx := s.db.Txn(true)
	defer tx.Abort()
	existing, err := tx.First("topics", "id", topic.Topic)
	if err != nil {
		return errors.Wrap(err, "fsm: topic lookup failed")
	}
	if existing != nil {
		topic.CreateIndex = existing.(*structs.Topic).CreateIndex
	} else {
		topic.CreateIndex = idx
	}
	topic.ModifyIndex = idx
	if err := tx.Insert("topics", topic); err != nil {
		return errors.Wrap(err, "fsm: topic insert failed")
	}
	if err := indexUpdateTxn(tx, idx, "topics"); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// DeleteTopic removes the topic and every partition row under it.
func (s *Store) DeleteTopic(idx uint64, topic string) error {
	tx := s.db.Txn(true)
	defer tx.Abort()
	existing, err := tx.First("topics", "id", topic)
	if err != nil {
		return errors.Wrap(err, "fsm: topic lookup failed")
	}
	if existing == nil {
		return nil
	}
	if err := tx.Delete("topics", existing); err != nil {
		return errors.Wrap(err, "fsm: topic delete failed")
	}
	if _, err := tx.DeleteAll("partitions", "topic", topic); err != nil {
		return errors.Wrap(err, "fsm: partitions delete failed")
	}
	if err := indexUpdateTxn(tx, idx, "topics"); err != nil {
		return err
	}
	if err := indexUpdateTxn(tx, idx, "partitions"); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (s *Store) GetTopic(name string) (uint64, *structs.Topic, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	existing, err := tx.First("topics", "id", name)
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: topic lookup failed")
	}
	if existing == nil {
		return s.maxIndex("topics"), nil, nil
	}
	return s.maxIndex("topics"), existing.(*structs.Topic), nil
}

func (s *Store) GetTopics() (uint64, []*structs.Topic, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("topics", "id")
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: topics iterate failed")
	}
	var topics []*structs.Topic
	for next := it.Next(); next != nil; next = it.Next() {
		topics = append(topics, next.(*structs.Topic))
	}
	return s.maxIndex("topics"), topics, nil
}

// Partitions.

func (s *Store) EnsurePartition(idx uint64, p *structs.Partition) error {
	tx := s.db.Txn(true)
	defer tx.Abort()
	existing, err := tx.First("partitions", "id", p.Topic, p.ID)
	if err != nil {
		return errors.Wrap(err, "fsm: partition lookup failed")
	}
	if existing != nil {
		p.CreateIndex = existing.(*structs.Partition).CreateIndex
	} else {
		p.CreateIndex = idx
	}
	p.ModifyIndex = idx
	if err := tx.Insert("partitions", p); err != nil {
		return errors.Wrap(err, "fsm: partition insert failed")
	}
	if err := indexUpdateTxn(tx, idx, "partitions"); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (s *Store) DeletePartition(idx uint64, topic string, id int32) error {
	tx := s.db.Txn(true)
	defer tx.Abort()
	existing, err := tx.First("partitions", "id", topic, id)
	if err != nil {
		return errors.Wrap(err, "fsm: partition lookup failed")
	}
	if existing == nil {
		return nil
	}
	if err := tx.Delete("partitions", existing); err != nil {
		return errors.Wrap(err, "fsm: partition delete failed")
	}
	if err := indexUpdateTxn(tx, idx, "partitions"); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (s *Store) GetPartition(topic string, id int32) (uint64, *structs.Partition, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	existing, err := tx.First("partitions", "id", topic, id)
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: partition lookup failed")
	}
	if existing == nil {
		return s.maxIndex("partitions"), nil, nil
	}
	return s.maxIndex("partitions"), existing.(*structs.Partition), nil
}

func (s *Store) GetPartitions() (uint64, []*structs.Partition, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("partitions", "id")
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: partitions iterate failed")
	}
	var ps []*structs.Partition
	for next := it.Next(); next != nil; next = it.Next() {
		ps = append(ps, next.(*structs.Partition))
	}
	return s.maxIndex("partitions"), ps, nil
}

func (s *Store) PartitionsByTopic(topic string) (uint64, []*structs.Partition, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("partitions", "topic", topic)
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: partitions iterate failed")
	}
	var ps []*structs.Partition
	for next := it.Next(); next != nil; next = it.Next() {
		ps = append(ps, next.(*structs.Partition))
	}
	return s.maxIndex("partitions"), ps, nil
}

// Groups.

func (s *Store) EnsureGroup(idx uint64, g *structs.Group) error {
	tx := s.db.Txn(true)
	defer tx.Abort()
	existing, err := tx.First("groups", "id", g.Group)
	if err != nil {
		return errors.Wrap(err, "fsm: group lookup failed")
	}
	if existing != nil {
		g.CreateIndex = existing.(*structs.Group).CreateIndex
	} else {
		g.CreateIndex = idx
	}
	g.ModifyIndex = idx
	if err := tx.Insert("groups", g); err != nil {
		return errors.Wrap(err, "fsm: group insert failed")
	}
	if err := indexUpdateTxn(tx, idx, "groups"); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (s *Store) DeleteGroup(idx uint64, group string) error {
	tx := s.db.Txn(true)
	defer tx.Abort()
	existing, err := tx.First("groups", "id", group)
	if err != nil {
		return errors.Wrap(err, "fsm: group lookup failed")
	}
	if existing == nil {
		return nil
	}
	if err := tx.Delete("groups", existing); err != nil {
		return errors.Wrap(err, "fsm: group delete failed")
	}
	if err := indexUpdateTxn(tx, idx, "groups"); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (s *Store) GetGroup(id string) (uint64, *structs.Group, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	existing, err := tx.First("groups", "id", id)
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: group lookup failed")
	}
	if existing == nil {
		return s.maxIndex("groups"), nil, nil
	}
	return s.maxIndex("groups"), existing.(*structs.Group), nil
}

func (s *Store) GetGroups() (uint64, []*structs.Group, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("groups", "id")
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: groups iterate failed")
	}
	var groups []*structs.Group
	for next := it.Next(); next != nil; next = it.Next() {
		groups = append(groups, next.(*structs.Group))
	}
	return s.maxIndex("groups"), groups, nil
}

// Transactions.

func (s *Store) EnsureTransaction(idx uint64, t *structs.Transaction) error {
	tx := s.db.Txn(true)
	defer tx.Abort()
	existing, err := tx.First("transactions", "id", t.ID)
	if err != nil {
		return errors.Wrap(err, "fsm: transaction lookup failed")
	}
	if existing != nil {
		t.CreateIndex = existing.(*structs.Transaction).CreateIndex
	} else {
		t.CreateIndex = idx
	}
	t.ModifyIndex = idx
	if err := tx.Insert("transactions", t); err != nil {
		return errors.Wrap(err, "fsm: transaction insert failed")
	}
	if err := indexUpdateTxn(tx, idx, "transactions"); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (s *Store) GetTransaction(id string) (uint64, *structs.Transaction, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	existing, err := tx.First("transactions", "id", id)
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: transaction lookup failed")
	}
	if existing == nil {
		return s.maxIndex("transactions"), nil, nil
	}
	return s.maxIndex("transactions"), existing.(*structs.Transaction), nil
}

func (s *Store) GetTransactions() (uint64, []*structs.Transaction, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("transactions", "id")
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: transactions iterate failed")
	}
	var txns []*structs.Transaction
	for next := it.Next(); next != nil; next = it.Next() {
		txns = append(txns, next.(*structs.Transaction))
	}
	return s.maxIndex("transactions"), txns, nil
}

// Counters.

const producerIDCounter = "producer-id"

// AllocProducerIDs reserves count producer ids and returns the first of the
// block. Allocation is monotonic for the life of the cluster.
func (s *Store) AllocProducerIDs(idx uint64, count int64) (int64, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()
	var counter structs.Counter
	existing, err := tx.First("counters", "id", producerIDCounter)
	if err != nil {
		return 0, errors.Wrap(err, "fsm: counter lookup failed")
	}
	if existing != nil {
		counter = *existing.(*structs.Counter)
	} else {
		counter = structs.Counter{Name: producerIDCounter}
		counter.CreateIndex = idx
	}
	first := counter.Value
	counter.Value += count
	counter.ModifyIndex = idx
	if err := tx.Insert("counters", &counter); err != nil {
		return 0, errors.Wrap(err, "fsm: counter insert failed")
	}
	if err := indexUpdateTxn(tx, idx, "counters"); err != nil {
		return 0, err
	}
	tx.Commit()
	return first, nil
}

// SetCounter force-writes a counter row; only snapshot restore uses it.
func (s *Store) SetCounter(idx uint64, c *structs.Counter) error {
	tx := s.db.Txn(true)
	defer tx.Abort()
	c.ModifyIndex = idx
	if err := tx.Insert("counters", c); err != nil {
		return errors.Wrap(err, "fsm: counter insert failed")
	}
	if err := indexUpdateTxn(tx, idx, "counters"); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (s *Store) GetCounters() (uint64, []*structs.Counter, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get("counters", "id")
	if err != nil {
		return 0, nil, errors.Wrap(err, "fsm: counters iterate failed")
	}
	var cs []*structs.Counter
	for next := it.Next(); next != nil; next = it.Next() {
		cs = append(cs, next.(*structs.Counter))
	}
	return s.maxIndex("counters"), cs, nil
}

// StoreSnapshot is a point-in-time read view used while persisting a raft
// snapshot. Close it when done.
type StoreSnapshot struct {
	tx *memdb.Txn
}

func (s *Store) Snapshot() *StoreSnapshot {
	return &StoreSnapshot{tx: s.db.Txn(false)}
}

func (s *StoreSnapshot) Close() {
	s.tx.Abort()
}

func (s *StoreSnapshot) Nodes() (memdb.ResultIterator, error) {
	return s.tx.Get("nodes", "id")
}

func (s *StoreSnapshot) Topics() (memdb.ResultIterator, error) {
	return s.tx.Get("topics", "id")
}

func (s *StoreSnapshot) Partitions() (memdb.ResultIterator, error) {
	return s.tx.Get("partitions", "id")
}

func (s *StoreSnapshot) Groups() (memdb.ResultIterator, error) {
	return s.tx.Get("groups", "id")
}

func (s *StoreSnapshot) Transactions() (memdb.ResultIterator, error) {
	return s.tx.Get("transactions", "id")
}

func (s *StoreSnapshot) Counters() (memdb.ResultIterator, error) {
	return s.tx.Get("counters", "id")
}

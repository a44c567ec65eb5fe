package pool

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/zion-network/zion-chain/pkg/types"
)

// Nonce2Size is the number of low-order bytes of the header nonce each
// worker searches and submits; the pool fills in the remaining high-order
// bytes from the connection's assigned extranonce.
const Nonce2Size = 4

// Conn is one authenticated Stratum-style TCP connection: a single worker
// mining against whatever job the pool currently has assigned it.
type Conn struct {
	id         string
	netConn    net.Conn
	writer     *bufio.Writer
	writeMu    sync.Mutex
	extranonce uint32

	mu               sync.RWMutex
	subscribed       bool
	authorized       bool
	minerAddress     types.Address
	workerName       string
	diff             *WorkerDiff
	lastShareTime    time.Time
	submissionWindow time.Duration
	seenShares       map[string]struct{}
}

func newConn(id string, nc net.Conn, extranonce uint32, initialDiff float64) *Conn {
	return &Conn{
		id:               id,
		netConn:          nc,
		writer:           bufio.NewWriter(nc),
		extranonce:       extranonce,
		diff:             NewWorkerDiff(initialDiff),
		submissionWindow: 10 * time.Second,
		seenShares:       make(map[string]struct{}),
	}
}

// fullNonce combines this connection's extranonce with a worker-submitted
// nonce2 into the full 64-bit header nonce.
func (c *Conn) fullNonce(nonce2 uint32) uint64 {
	return uint64(c.extranonce)<<32 | uint64(nonce2)
}

func (c *Conn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Conn) markAuthorized(worker string, addr types.Address) {
	c.mu.Lock()
	c.authorized = true
	c.workerName = worker
	c.minerAddress = addr
	c.mu.Unlock()
}

func (c *Conn) isAuthorized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authorized
}

func (c *Conn) address() types.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minerAddress
}

// duplicate records (jobID, nonce2) and reports whether it was already seen
// on this connection, guarding against the same share being resubmitted.
func (c *Conn) duplicate(jobID string, nonce2 uint32) bool {
	key := make([]byte, 0, len(jobID)+4)
	key = append(key, jobID...)
	var nb [4]byte
	binary.BigEndian.PutUint32(nb[:], nonce2)
	key = append(key, nb[:]...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seenShares[string(key)]; ok {
		return true
	}
	c.seenShares[string(key)] = struct{}{}
	return false
}

func (c *Conn) recordShareTime(now time.Time) {
	c.mu.Lock()
	c.lastShareTime = now
	c.mu.Unlock()
}

// Package mining implements the job manager: the RPC fleet manager, the
// primary network monitor, the auxiliary-chain monitors for merged mining,
// and the job builder that turns a template plus merged work into a
// mining job.
package mining

import (
	"sync"
	"time"

	"github.com/ashenpool/poolcore/internal/chain"
	"github.com/ashenpool/poolcore/internal/rpcpool"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_jobs_generated_total",
		Help: "Total number of jobs generated",
	})

	currentBlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_current_block_height",
		Help: "Current block height",
	})

	pollEndpointSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_poll_endpoint_switches_total",
		Help: "Number of times the elected poll endpoint changed",
	})
)

func init() {
	prometheus.MustRegister(jobsGenerated, currentBlockHeight, pollEndpointSwitches)
}

// MergedLaterEntry is a merged-work snapshot captured at job-build time
// (spec §3 Job.merged_later): the aux work entry itself, the index of its
// hash within the aux-PoW tree's hash list, and the full hash list — all
// captured by value so downstream consumers never observe a mutating map.
type MergedLaterEntry struct {
	Work          MergedWorkEntry
	CoinbaseIndex int
	AllMMHashes   []string
}

// Job is a prepared block skeleton handed to stratum clients (spec §3).
type Job struct {
	ID     string
	Height int64

	// CoinbasePrefix/CoinbaseSuffix are the coinbase transaction split
	// around the extranonce placeholder (spec §3 coinbase_prefix/suffix),
	// hex-encoded for direct use on the wire.
	CoinbasePrefix string
	CoinbaseSuffix string

	// MerkleLink is the coinbase's authentication path against the
	// transaction merkle root, hex-encoded, computed with a nil
	// placeholder in position 0 (spec §3 merkle_link).
	MerkleLink []string

	// Transactions holds the non-coinbase transactions in canonical
	// order, for block assembly on submission (spec §3).
	Transactions []rpcpool.TemplateTransaction

	// MergedLater is the merged-work snapshot captured at build time
	// (spec §3, §4.5).
	MergedLater []MergedLaterEntry

	Bits              string
	PrevHash          string
	Version           string
	CurTime           uint32
	MinTime           int64
	Target            string
	NetworkDifficulty float64
	CleanJobs         bool

	// AccShares is the set-of-nonces external share accounting uses for
	// duplicate detection on this specific job (spec §3 acc_shares).
	AccShares sync.Map // map[string]struct{}

	CreatedAt time.Time
}

// NBits returns the job's compact-difficulty field, kept as an alias for
// the stratum wire name.
func (j *Job) NBits() string { return j.Bits }

// NTime returns the job's time field formatted for the stratum wire.
func (j *Job) NTime() string {
	return hex32(j.CurTime)
}

func hex32(v uint32) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = hexdigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// JobTableSnapshot is the immutable value published atomically so readers
// never observe a half-installed table (spec §5: "a single atomic pointer
// to an immutable {table, latest} snapshot satisfies this").
type JobTableSnapshot struct {
	Table       map[string]*Job
	LatestJobID string // empty means no job installed
}

// NetworkStats is derived from the current template (spec §3).
type NetworkStats struct {
	Height     int64
	Difficulty float64
	Subsidy    int64
}

// MergedWorkEntry is one aux chain's current work (spec §3). It carries the
// stable ChainID key instead of pointer back-references to the aux monitor
// or its endpoint (spec §9 "replace with a stable chain_id key").
type MergedWorkEntry struct {
	ChainID int64
	Hash    string
	Target  string
}

// Equal compares two MergedWorkEntry values for the AuxMonitor's
// compare-by-value no-op check (spec §4.4 step 4).
func (e MergedWorkEntry) Equal(other MergedWorkEntry) bool {
	return e.ChainID == other.ChainID && e.Hash == other.Hash && e.Target == other.Target
}

// buildAuxData composes mm_data = MAGIC || aux_pow_coinbase(...) from the
// current merged-work snapshot, returning the merkle root, the tree size,
// the hash list, and the per-chain merged-later entries (spec §4.5
// "Merged-work assembly").
func buildAuxData(work map[int64]MergedWorkEntry) (root *chainhash.Hash, treeSize int, mmHashes []string, later []MergedLaterEntry) {
	if len(work) == 0 {
		return nil, 0, nil, nil
	}

	ids := make([]int64, 0, len(work))
	for id := range work {
		ids = append(ids, id)
	}
	tree := chain.BuildAuxTree(ids)

	hashes := make([]chainhash.Hash, tree.Size)
	mmHashes = make([]string, tree.Size)
	for slot := 0; slot < tree.Size; slot++ {
		chainID := tree.Slots[slot]
		entry, ok := work[chainID]
		if !ok || chainID == 0 {
			continue
		}
		if h, err := chainhash.NewHashFromStr(entry.Hash); err == nil {
			hashes[slot] = *h
		}
		mmHashes[slot] = entry.Hash
	}

	merkleRoot := chain.MerkleRoot(hashes)

	later = make([]MergedLaterEntry, 0, len(work))
	for chainID, entry := range work {
		idx := -1
		for slot, id := range tree.Slots {
			if id == chainID {
				idx = slot
				break
			}
		}
		later = append(later, MergedLaterEntry{Work: entry, CoinbaseIndex: idx, AllMMHashes: append([]string{}, mmHashes...)})
	}

	return &merkleRoot, tree.Size, mmHashes, later
}

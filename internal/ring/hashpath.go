package ring

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// SuffixLength is the number of trailing hex characters of a path hash that
// name its suffix bucket.
const SuffixLength = 3

// PathHasher turns account/container/object names into the hashes that drive
// both partition placement and on-disk layout. Prefix and Suffix are cluster
// secrets salting the hash; every node must share them.
type PathHasher struct {
	Prefix    string
	Suffix    string
	PartPower uint
}

// NewPathHasher validates the partition power and returns a hasher.
func NewPathHasher(prefix, suffix string, partPower uint) (*PathHasher, error) {
	if partPower == 0 || partPower > 32 {
		return nil, fmt.Errorf("part power must be between 1 and 32, got %d", partPower)
	}
	return &PathHasher{Prefix: prefix, Suffix: suffix, PartPower: partPower}, nil
}

// HashPath hashes an account, an account/container pair or a full object
// path. Empty trailing components are omitted.
func (h *PathHasher) HashPath(account string, rest ...string) string {
	parts := []string{account}
	for _, p := range rest {
		if p == "" {
			break
		}
		parts = append(parts, p)
	}
	sum := md5.Sum([]byte(h.Prefix + "/" + strings.Join(parts, "/") + h.Suffix))
	return hex.EncodeToString(sum[:])
}

// Partition maps a path hash to its partition number.
func (h *PathHasher) Partition(hash string) int {
	if len(hash) < 8 {
		return 0
	}
	top, err := strconv.ParseUint(hash[:8], 16, 32)
	if err != nil {
		return 0
	}
	return int(top >> (32 - h.PartPower))
}

// PartitionCount is the number of partitions of the ring.
func (h *PathHasher) PartitionCount() int {
	return 1 << h.PartPower
}

// SuffixOf returns the suffix bucket of a path hash.
func SuffixOf(hash string) string {
	if len(hash) < SuffixLength {
		return hash
	}
	return hash[len(hash)-SuffixLength:]
}

// PartitionDir formats a partition number as its directory name.
func PartitionDir(partition int) string {
	return strconv.Itoa(partition)
}

// ParsePartitionDir reverses PartitionDir.
func ParsePartitionDir(name string) (int, bool) {
	p, err := strconv.Atoi(name)
	if err != nil || p < 0 {
		return 0, false
	}
	return p, true
}

package ring

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// DefaultVNodesPerWeight is the number of virtual nodes per unit of device
// weight.
const DefaultVNodesPerWeight = 64

// Device is one storage device in the cluster.
type Device struct {
	ID      int    `yaml:"id" json:"id"`
	Node    string `yaml:"node" json:"node"`
	Address string `yaml:"address" json:"address"`
	Device  string `yaml:"device" json:"device"`
	Weight  int    `yaml:"weight" json:"weight"`
}

func (d Device) String() string {
	return d.Node + "/" + d.Device
}

// Placement is the oracle mapping names to the devices responsible for their
// replicas. Callers re-query it on every pass.
type Placement interface {
	// GetNodes returns the partition and replica devices of a path. Pass an
	// empty object for a container path.
	GetNodes(account, container, object string) (int, []Device)
	// GetPartNodes returns the replica devices of a partition, primary first.
	GetPartNodes(partition int) []Device
	Hasher() *PathHasher
}

// Ring assigns every partition to Replicas devices by walking a consistent
// hash ring of virtual nodes. Devices on distinct nodes are preferred.
type Ring struct {
	hasher   *PathHasher
	replicas int
	devices  []Device

	mu       sync.RWMutex
	ring     []uint64       // sorted vnode hashes
	ringMap  map[uint64]int // vnode hash -> index into devices
	assigned map[int][]Device
}

// New builds a ring over devices.
func New(hasher *PathHasher, replicas int, devices []Device, vnodesPerWeight int) (*Ring, error) {
	if hasher == nil {
		return nil, fmt.Errorf("path hasher is required")
	}
	if replicas < 1 {
		return nil, fmt.Errorf("replicas must be positive, got %d", replicas)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("ring has no devices")
	}
	if vnodesPerWeight <= 0 {
		vnodesPerWeight = DefaultVNodesPerWeight
	}

	r := &Ring{
		hasher:   hasher,
		replicas: replicas,
		devices:  append([]Device(nil), devices...),
		ringMap:  make(map[uint64]int),
		assigned: make(map[int][]Device),
	}

	seen := make(map[string]bool)
	for idx, dev := range r.devices {
		if seen[dev.String()] {
			return nil, fmt.Errorf("duplicate device %s", dev)
		}
		seen[dev.String()] = true

		weight := dev.Weight
		if weight <= 0 {
			weight = 1
		}
		for i := 0; i < weight*vnodesPerWeight; i++ {
			h := hash64(fmt.Sprintf("%s-%s-vnode-%d", dev.Node, dev.Device, i))
			if _, clash := r.ringMap[h]; clash {
				continue
			}
			r.ring = append(r.ring, h)
			r.ringMap[h] = idx
		}
	}
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })

	return r, nil
}

func (r *Ring) Hasher() *PathHasher {
	return r.hasher
}

// Replicas returns the configured replica count.
func (r *Ring) Replicas() int {
	return r.replicas
}

// Devices returns every device of the ring.
func (r *Ring) Devices() []Device {
	return append([]Device(nil), r.devices...)
}

func (r *Ring) GetNodes(account, container, object string) (int, []Device) {
	partition := r.hasher.Partition(r.hasher.HashPath(account, container, object))
	return partition, r.GetPartNodes(partition)
}

func (r *Ring) GetPartNodes(partition int) []Device {
	r.mu.RLock()
	devs, ok := r.assigned[partition]
	r.mu.RUnlock()
	if ok {
		return append([]Device(nil), devs...)
	}

	devs = r.walk(partition)

	r.mu.Lock()
	r.assigned[partition] = devs
	r.mu.Unlock()
	return append([]Device(nil), devs...)
}

// walk collects replica devices for a partition, first taking one device per
// node and then filling with remaining devices when there are fewer nodes
// than replicas.
func (r *Ring) walk(partition int) []Device {
	want := r.replicas
	if want > len(r.devices) {
		want = len(r.devices)
	}

	start := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= hash64(fmt.Sprintf("partition-%d", partition))
	})

	result := make([]Device, 0, want)
	usedDevice := make(map[int]bool)
	usedNode := make(map[string]bool)

	for pass := 0; pass < 2 && len(result) < want; pass++ {
		for i := 0; i < len(r.ring) && len(result) < want; i++ {
			idx := r.ringMap[r.ring[(start+i)%len(r.ring)]]
			dev := r.devices[idx]
			if usedDevice[idx] {
				continue
			}
			if pass == 0 && usedNode[dev.Node] {
				continue
			}
			usedDevice[idx] = true
			usedNode[dev.Node] = true
			result = append(result, dev)
		}
	}
	return result
}

// IsPrimary reports whether dev is one of the partition's replica devices.
func IsPrimary(devs []Device, node, device string) bool {
	for _, d := range devs {
		if d.Node == node && d.Device == device {
			return true
		}
	}
	return false
}

// hash64 computes SHA-256 and keeps the first 8 bytes.
func hash64(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

package service

import (
	"context"
	stderrors "errors"
	"sort"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/metrics"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"go.uber.org/zap"
)

// Replica is one copy of a partition that the syncer can compare and merge.
// Local adapters wrap a device store; remote adapters wrap the replication
// client.
type Replica[R model.Versioned] interface {
	// Name identifies the replica in logs and errors.
	Name() string
	Digests(ctx context.Context, partition int) (map[string]string, error)
	Digest(ctx context.Context, partition int, suffix string) (string, error)
	Records(ctx context.Context, partition int, suffix string) ([]R, error)
	// Merge applies records that supersede the replica's current versions
	// and returns how many were applied.
	Merge(ctx context.Context, partition int, suffix string, records []R) (int, error)
}

// SyncStats summarizes one partition sync.
type SyncStats struct {
	SuffixesChecked int
	SuffixesSynced  int
	RecordsPulled   int
	RecordsPushed   int
	LocalErrors     int
}

func (s *SyncStats) add(o SyncStats) {
	s.SuffixesChecked += o.SuffixesChecked
	s.SuffixesSynced += o.SuffixesSynced
	s.RecordsPulled += o.RecordsPulled
	s.RecordsPushed += o.RecordsPushed
	s.LocalErrors += o.LocalErrors
}

// Syncer converges one partition between a local replica and a peer by
// comparing suffix digests and exchanging only the records of suffixes that
// differ.
type Syncer[R model.Versioned] struct {
	tier    string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewSyncer creates a syncer; tier labels logs and metrics.
func NewSyncer[R model.Versioned](tier string, m *metrics.Metrics, logger *zap.Logger) *Syncer[R] {
	return &Syncer[R]{tier: tier, metrics: m, logger: logger}
}

// SyncPartition compares every suffix either side holds and merges the ones
// whose digests differ in both directions. A peer failure ends the sync with
// a PeerUnavailable error and the stats gathered so far. Cancellation is
// checked between suffixes; rerunning after an interruption resumes cheaply
// because already converged suffixes compare equal.
func (s *Syncer[R]) SyncPartition(ctx context.Context, local, peer Replica[R], partition int) (stats SyncStats, err error) {
	defer func() {
		s.metrics.RecordSync(s.tier, stats.SuffixesChecked, stats.SuffixesSynced, stats.RecordsPulled, stats.RecordsPushed)
		if errors.IsPeerUnavailable(err) {
			s.metrics.RecordPeerFailure(s.tier)
		}
	}()

	localDigests, err := local.Digests(ctx, partition)
	if err != nil {
		return stats, errors.StorageIO("failed to compute local digests", err).
			WithDetail("partition", partition)
	}
	remoteDigests, err := peer.Digests(ctx, partition)
	if err != nil {
		return stats, peerError(peer, err)
	}

	for _, suffix := range unionSuffixes(localDigests, remoteDigests) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.SuffixesChecked++
		if localDigests[suffix] == remoteDigests[suffix] {
			continue
		}

		pulled, pushed, err := s.syncSuffix(ctx, local, peer, partition, suffix, remoteDigests[suffix])
		stats.RecordsPulled += pulled
		stats.RecordsPushed += pushed
		if err != nil {
			if errors.IsPeerUnavailable(err) || ctx.Err() != nil {
				return stats, err
			}
			stats.LocalErrors++
			s.logger.Warn("Failed to sync suffix",
				zap.String("tier", s.tier),
				zap.String("peer", peer.Name()),
				zap.Int("partition", partition),
				zap.String("suffix", suffix),
				zap.Error(err))
			continue
		}
		stats.SuffixesSynced++
	}
	return stats, nil
}

func (s *Syncer[R]) syncSuffix(ctx context.Context, local, peer Replica[R], partition int, suffix, remoteDigest string) (pulled, pushed int, err error) {
	remote, err := peer.Records(ctx, partition, suffix)
	if err != nil {
		return 0, 0, peerError(peer, err)
	}

	// The snapshot taken before the network round trip may be stale.
	current, err := local.Digest(ctx, partition, suffix)
	if err != nil {
		return 0, 0, err
	}
	if current == remoteDigest {
		return 0, 0, nil
	}

	if len(remote) > 0 {
		pulled, err = local.Merge(ctx, partition, suffix, remote)
		if err != nil {
			return pulled, 0, err
		}
	}

	mine, err := local.Records(ctx, partition, suffix)
	if err != nil {
		return pulled, 0, err
	}
	outgoing := newerThan(mine, remote)
	if len(outgoing) == 0 {
		return pulled, 0, nil
	}
	pushed, err = peer.Merge(ctx, partition, suffix, outgoing)
	if err != nil {
		return pulled, pushed, peerError(peer, err)
	}
	return pulled, pushed, nil
}

// newerThan returns the records of mine that the other side lacks or holds
// at an older timestamp.
func newerThan[R model.Versioned](mine, theirs []R) []R {
	known := make(map[string]model.Timestamp, len(theirs))
	for _, r := range theirs {
		known[r.RecordKey()] = r.RecordTimestamp()
	}
	var out []R
	for _, r := range mine {
		ts, ok := known[r.RecordKey()]
		if !ok || model.Supersedes(r.RecordTimestamp(), ts) {
			out = append(out, r)
		}
	}
	return out
}

func unionSuffixes(a, b map[string]string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for s := range a {
		set[s] = struct{}{}
	}
	for s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// peerError classifies any failure of a peer call, other than cancellation,
// as PeerUnavailable.
func peerError(peer interface{ Name() string }, err error) error {
	if errors.IsPeerUnavailable(err) ||
		stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.PeerUnavailable(peer.Name(), err)
}

package redis

import "strings"

// Redis key naming conventions for taskhost data. All keys share the
// store's prefix ("{taskhost}:" by default). The prefix carries a hash tag,
// so on Redis Cluster every key lives in one slot and the Lua scripts may
// touch item and index keys together.

// hashTagged returns prefix with a non-empty hash tag, adding one around
// the prefix (minus a trailing colon) when it has none.
func hashTagged(prefix string) string {
	if open := strings.IndexByte(prefix, '{'); open >= 0 {
		if end := strings.IndexByte(prefix[open+1:], '}'); end > 0 {
			return prefix
		}
	}
	name := strings.TrimSuffix(prefix, ":")
	if name == "" {
		name = "taskhost"
	}
	return "{" + name + "}:"
}

func (s *Store) itemKey(id string) string { return s.prefix + "item:" + id }

// pendingKey is the Sorted Set of claimable items, scored by enqueue time.
func (s *Store) pendingKey(queue string) string { return s.prefix + "pending:" + queue }

// leasedKey is the Sorted Set of leased items, scored by lease expiry.
func (s *Store) leasedKey(queue string) string { return s.prefix + "leased:" + queue }

// doneKey is the Sorted Set of terminal items, scored by finish time.
func (s *Store) doneKey(queue string) string { return s.prefix + "done:" + queue }

// countsKey is a Hash of terminal item counts by status.
func (s *Store) countsKey(queue string) string { return s.prefix + "counts:" + queue }

func (s *Store) leaseKey(name string) string { return s.prefix + "lease:" + name }

// leaseIndexKey is the Sorted Set of lease names, scored by expiry.
func (s *Store) leaseIndexKey() string { return s.prefix + "leases" }

func (s *Store) stateKey(jobName string) string { return s.prefix + "state:" + jobName }

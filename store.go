package reqguard

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Ban kinds, used as metric labels.
const (
	BanKindCredential = "credential"
	BanKindAutomation = "automation"
	BanKindScore      = "score"
	BanKindManual     = "manual"
)

// BanRecord is a temporary ban. It is active while Until is in the future.
type BanRecord struct {
	Identity  ClientIdentity `json:"identity"`
	Until     time.Time      `json:"until"`
	Reason    string         `json:"reason"`
	Kind      string         `json:"kind"`
	Escalated bool           `json:"escalated"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Active reports whether the ban still applies at now.
func (b *BanRecord) Active(now time.Time) bool {
	return b != nil && b.Until.After(now)
}

// InMemoryBanStore keeps bans in a concurrent map. Expired bans are hidden
// on lookup and removed by Sweep.
type InMemoryBanStore struct {
	bans *xsync.Map[ClientIdentity, BanRecord]
}

func NewInMemoryBanStore() *InMemoryBanStore {
	return &InMemoryBanStore{bans: xsync.NewMap[ClientIdentity, BanRecord]()}
}

// Ban stores record. An existing ban is only replaced when the new one
// lasts longer.
func (s *InMemoryBanStore) Ban(record BanRecord) error {
	s.bans.Compute(record.Identity, func(old BanRecord, loaded bool) (BanRecord, xsync.ComputeOp) {
		if loaded && !record.Until.After(old.Until) {
			return old, xsync.CancelOp
		}
		return record, xsync.UpdateOp
	})
	return nil
}

func (s *InMemoryBanStore) Lookup(identity ClientIdentity, now time.Time) (*BanRecord, error) {
	rec, ok := s.bans.Load(identity)
	if !ok || !rec.Active(now) {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryBanStore) Lift(identity ClientIdentity) error {
	s.bans.Delete(identity)
	return nil
}

// ActiveBans returns every ban still in force at now.
func (s *InMemoryBanStore) ActiveBans(now time.Time) []BanRecord {
	var out []BanRecord
	s.bans.Range(func(_ ClientIdentity, rec BanRecord) bool {
		if rec.Active(now) {
			out = append(out, rec)
		}
		return true
	})
	return out
}

func (s *InMemoryBanStore) Sweep(now time.Time) int {
	removed := 0
	s.bans.Range(func(id ClientIdentity, rec BanRecord) bool {
		if !rec.Active(now) {
			s.bans.Compute(id, func(cur BanRecord, loaded bool) (BanRecord, xsync.ComputeOp) {
				if loaded && !cur.Active(now) {
					removed++
					return cur, xsync.DeleteOp
				}
				return cur, xsync.CancelOp
			})
		}
		return true
	})
	return removed
}

func (s *InMemoryBanStore) Len() int { return s.bans.Size() }

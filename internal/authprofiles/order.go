package authprofiles

import (
	"sort"
)

// ResolveOptions tunes candidate selection for one run attempt.
type ResolveOptions struct {
	// ConfigOrder is the cfg.auth.order entry for the provider, used when the
	// store carries no pinned order.
	ConfigOrder []string
	// PreferredProfile is moved to the front when present and usable.
	PreferredProfile string
}

// Candidate is one usable profile in failover order.
type Candidate struct {
	ProfileID  string
	Credential Credential
	InCooldown bool
	Disabled   bool
}

// Resolve returns the failover-ordered candidate list for a provider.
//
// Ordering rules, applied in sequence:
//  1. keep only profiles whose normalized provider matches
//  2. drop dead credentials (expired tokens; OAuth with a refresh survives)
//  3. base order: store-pinned order, else config order, else the heuristic
//     (least-recently-used first, OAuth before api_key on ties)
//  4. a preferred profile moves to the front
//  5. profiles in cooldown or disabled move to the tail, disabled first,
//     then by expiry ascending so the soonest-recovering is tried first
func (s *Store) Resolve(provider string, opts ResolveOptions) []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	provider = NormalizeProvider(provider)
	now := s.now()

	ids := make([]string, 0, 8)
	creds := map[string]Credential{}
	collect := func(m credMap) {
		for id, c := range m {
			if ProviderOfID(id) != provider {
				continue
			}
			if !c.Alive(now) {
				continue
			}
			if _, seen := creds[id]; seen {
				continue
			}
			creds[id] = c
			ids = append(ids, id)
		}
	}
	collect(s.data.Profiles)
	collect(s.envProfiles)
	if len(ids) == 0 {
		return nil
	}

	pinned := s.data.Order[provider]
	if len(pinned) == 0 {
		pinned = opts.ConfigOrder
	}
	if len(pinned) > 0 {
		ids = orderByPinned(ids, pinned)
	} else {
		s.orderByHeuristicLocked(ids, creds)
	}

	if opts.PreferredProfile != "" {
		moveToFront(ids, opts.PreferredProfile)
	}

	out := make([]Candidate, 0, len(ids))
	var tail []Candidate
	for _, id := range ids {
		c := Candidate{ProfileID: id, Credential: creds[id]}
		if st := s.data.UsageStats[id]; st != nil {
			c.InCooldown = st.CooldownUntil > now.UnixMilli()
			c.Disabled = st.DisabledUntil > now.UnixMilli()
		}
		if c.InCooldown || c.Disabled {
			tail = append(tail, c)
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(tail, func(i, j int) bool {
		a, b := tail[i], tail[j]
		if a.Disabled != b.Disabled {
			return a.Disabled
		}
		return s.recoveryAtLocked(a.ProfileID) < s.recoveryAtLocked(b.ProfileID)
	})
	return append(out, tail...)
}

// recoveryAtLocked is the instant the profile becomes usable again.
func (s *Store) recoveryAtLocked(id string) int64 {
	st := s.data.UsageStats[id]
	if st == nil {
		return 0
	}
	at := st.CooldownUntil
	if st.DisabledUntil > at {
		at = st.DisabledUntil
	}
	return at
}

// orderByPinned sorts ids so entries named in pinned come first in pinned
// order; unnamed ids keep their relative order at the back.
func orderByPinned(ids, pinned []string) []string {
	rank := make(map[string]int, len(pinned))
	for i, id := range pinned {
		rank[id] = i
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ri, iok := rank[ids[i]]
		rj, jok := rank[ids[j]]
		if iok && jok {
			return ri < rj
		}
		return iok && !jok
	})
	return ids
}

// orderByHeuristicLocked sorts ids least-recently-used first, with OAuth
// ahead of api_key credentials on equal last-use.
func (s *Store) orderByHeuristicLocked(ids []string, creds map[string]Credential) {
	lastUsed := func(id string) int64 {
		if st := s.data.UsageStats[id]; st != nil {
			return st.LastUsed
		}
		return 0
	}
	kindRank := func(c Credential) int {
		switch c.(type) {
		case OAuth:
			return 0
		case Token:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		li, lj := lastUsed(ids[i]), lastUsed(ids[j])
		if li != lj {
			return li < lj
		}
		return kindRank(creds[ids[i]]) < kindRank(creds[ids[j]])
	})
}

func moveToFront(ids []string, id string) {
	for i, v := range ids {
		if v == id {
			copy(ids[1:i+1], ids[:i])
			ids[0] = id
			return
		}
	}
}

// LastGood returns the last profile that completed a run for the provider.
// It informs observers only; Resolve does not reorder on it.
func (s *Store) LastGood(provider string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastGood[NormalizeProvider(provider)]
}

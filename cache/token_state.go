package cache

import (
	"sort"
	"time"

	"go.pilab.hu/imagewatch/domain"
)

// tokenState is the store's private state. It is only ever touched by the
// store's own goroutine.
type tokenState struct {
	// token hash -> owner
	tokens map[string]domain.Username
	// owner -> token hash -> deadline
	deadlines map[domain.Username]map[string]time.Time

	ttl        time.Duration
	maxPerUser int
}

type cleanupResult struct {
	expired   int
	evicted   int
	revoked   int
	remaining int
}

func newTokenState(ttl time.Duration, maxPerUser int) *tokenState {
	return &tokenState{
		tokens:     make(map[string]domain.Username),
		deadlines:  make(map[domain.Username]map[string]time.Time),
		ttl:        ttl,
		maxPerUser: maxPerUser,
	}
}

func (s *tokenState) checkAndRefresh(token domain.Token, now time.Time) bool {
	key := HashToken(token)
	username, ok := s.tokens[key]
	if !ok {
		return false
	}
	s.setDeadline(username, key, now.Add(s.ttl))
	return true
}

func (s *tokenState) issue(username domain.Username, now time.Time) domain.Token {
	token := domain.NewToken()
	key := HashToken(token)
	s.tokens[key] = username
	s.setDeadline(username, key, now.Add(s.ttl))
	return token
}

// revoke drops the token from the primary map only. Its deadline entry goes
// away on the next cleanup pass.
func (s *tokenState) revoke(token domain.Token) {
	delete(s.tokens, HashToken(token))
}

func (s *tokenState) setDeadline(username domain.Username, key string, deadline time.Time) {
	perUser, ok := s.deadlines[username]
	if !ok {
		perUser = make(map[string]time.Time)
		s.deadlines[username] = perUser
	}
	perUser[key] = deadline
}

type survivor struct {
	key      string
	deadline time.Time
}

// cleanup expires tokens whose deadline has passed and then trims every
// identity to maxPerUser tokens, keeping the ones refreshed most recently.
func (s *tokenState) cleanup(now time.Time) cleanupResult {
	var res cleanupResult

	for username, perUser := range s.deadlines {
		survivors := make([]survivor, 0, len(perUser))
		for key, deadline := range perUser {
			if _, live := s.tokens[key]; !live {
				res.revoked++
				continue
			}
			if deadline.Before(now) {
				delete(s.tokens, key)
				res.expired++
				continue
			}
			survivors = append(survivors, survivor{key: key, deadline: deadline})
		}

		if len(survivors) > s.maxPerUser {
			sort.Slice(survivors, func(i, j int) bool {
				if survivors[i].deadline.Equal(survivors[j].deadline) {
					return survivors[i].key < survivors[j].key
				}
				return survivors[i].deadline.Before(survivors[j].deadline)
			})
			overflow := len(survivors) - s.maxPerUser
			for _, victim := range survivors[:overflow] {
				delete(s.tokens, victim.key)
			}
			survivors = survivors[overflow:]
			res.evicted += overflow
		}

		if len(survivors) == 0 {
			delete(s.deadlines, username)
			continue
		}

		kept := make(map[string]time.Time, len(survivors))
		for _, sv := range survivors {
			kept[sv.key] = sv.deadline
		}
		s.deadlines[username] = kept
	}

	res.remaining = len(s.tokens)
	return res
}

func (s *tokenState) stats() Stats {
	return Stats{Tokens: len(s.tokens), Identities: len(s.deadlines)}
}

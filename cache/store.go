package cache

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"sync"
)

// Snowflake is an entity id. The gateway sends ids as JSON strings; plain
// numbers and null are accepted too.
type Snowflake uint64

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if len(data) > 1 && data[0] == '"' {
		data = data[1 : len(data)-1]
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return err
	}
	*s = Snowflake(v)
	return nil
}

type pair struct{ a, b uint64 }

// entry is a cached entity together with the guild it belongs to, so guild
// removal can sweep it.
type entry struct {
	guild uint64
	data  json.RawMessage
}

// store is one entity collection with its own lock.
type store[K comparable] struct {
	mu    sync.RWMutex
	items map[K]entry
}

func newStore[K comparable]() *store[K] {
	return &store[K]{items: make(map[K]entry)}
}

func (s *store[K]) get(k K) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[k]
	return e.data, ok
}

func (s *store[K]) put(k K, guild uint64, data json.RawMessage) {
	s.mu.Lock()
	s.items[k] = entry{guild: guild, data: data}
	s.mu.Unlock()
}

// patch overlays the fields of data onto the cached value, or stores data
// when nothing is cached yet.
func (s *store[K]) patch(k K, guild uint64, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[k]; ok {
		data = merge(old.data, data)
	}
	s.items[k] = entry{guild: guild, data: data}
}

func (s *store[K]) delete(k K) {
	s.mu.Lock()
	delete(s.items, k)
	s.mu.Unlock()
}

// deleteGuild removes every entry of guild and returns their keys.
func (s *store[K]) deleteGuild(guild uint64) []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []K
	maps.DeleteFunc(s.items, func(k K, e entry) bool {
		if e.guild != guild {
			return false
		}
		removed = append(removed, k)
		return true
	})
	return removed
}

// replaceGuild swaps every entry of guild for items in one step.
func (s *store[K]) replaceGuild(guild uint64, items map[K]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.DeleteFunc(s.items, func(_ K, e entry) bool { return e.guild == guild })
	for k, data := range items {
		s.items[k] = entry{guild: guild, data: data}
	}
}

func (s *store[K]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func merge(old, update json.RawMessage) json.RawMessage {
	var base, fields map[string]json.RawMessage
	if json.Unmarshal(old, &base) != nil || json.Unmarshal(update, &fields) != nil || base == nil {
		return update
	}
	maps.Copy(base, fields)
	out, err := json.Marshal(base)
	if err != nil {
		return update
	}
	return out
}

// withField returns obj with key set to value, used to attach guild_id to
// entities that arrive nested inside a guild.
func withField(obj json.RawMessage, key string, value any) json.RawMessage {
	var fields map[string]json.RawMessage
	if json.Unmarshal(obj, &fields) != nil || fields == nil {
		return obj
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return obj
	}
	fields[key] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return obj
	}
	return out
}

// channelMessages keeps the most recent messages of every channel, oldest
// evicted first.
type channelMessages struct {
	mu       sync.RWMutex
	limit    int
	channels map[uint64]*messageLog
}

type messageLog struct {
	order []uint64
	items map[uint64]json.RawMessage
}

func newChannelMessages(limit int) *channelMessages {
	return &channelMessages{limit: limit, channels: make(map[uint64]*messageLog)}
}

func (m *channelMessages) get(channel, id uint64) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.channels[channel]
	if !ok {
		return nil, false
	}
	data, ok := l.items[id]
	return data, ok
}

func (m *channelMessages) put(channel, id uint64, data json.RawMessage, partial bool) {
	if m.limit <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.channels[channel]
	if !ok {
		l = &messageLog{items: make(map[uint64]json.RawMessage)}
		m.channels[channel] = l
	}
	if old, exists := l.items[id]; exists {
		if partial {
			data = merge(old, data)
		}
		l.items[id] = data
		return
	}
	if partial {
		// Updates for messages we never saw carry too little to cache.
		return
	}
	l.items[id] = data
	l.order = append(l.order, id)
	for len(l.order) > m.limit {
		delete(l.items, l.order[0])
		l.order = l.order[1:]
	}
}

func (m *channelMessages) delete(channel uint64, ids ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.channels[channel]
	if !ok {
		return
	}
	for _, id := range ids {
		delete(l.items, id)
	}
	l.order = slices.DeleteFunc(l.order, func(id uint64) bool {
		_, ok := l.items[id]
		return !ok
	})
	if len(l.items) == 0 {
		delete(m.channels, channel)
	}
}

func (m *channelMessages) deleteChannel(channel uint64) {
	m.mu.Lock()
	delete(m.channels, channel)
	m.mu.Unlock()
}

func (m *channelMessages) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.channels {
		n += len(l.items)
	}
	return n
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

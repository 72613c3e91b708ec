// Package cache keeps an in-memory copy of the gateway entities seen by the
// sessions, so consumers on the bus can query state without replaying every
// event themselves.
//
// Each entity kind lives in its own collection with its own lock. Updates
// are applied by the publisher in the order a shard delivered them, before
// the event itself is published.
package cache

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Kind names a queryable entity collection.
type Kind string

const (
	KindCurrentUser        Kind = "CurrentUser"
	KindGuildChannel       Kind = "GuildChannel"
	KindEmoji              Kind = "Emoji"
	KindGroup              Kind = "Group"
	KindGuild              Kind = "Guild"
	KindMember             Kind = "Member"
	KindMessage            Kind = "Message"
	KindPresence           Kind = "Presence"
	KindPrivateChannel     Kind = "PrivateChannel"
	KindRole               Kind = "Role"
	KindUser               Kind = "User"
	KindVoiceChannelStates Kind = "VoiceChannelStates"
	KindVoiceState         Kind = "VoiceState"
)

// Kinds lists every queryable kind.
var Kinds = []Kind{
	KindCurrentUser, KindGuildChannel, KindEmoji, KindGroup, KindGuild, KindMember, KindMessage,
	KindPresence, KindPrivateChannel, KindRole, KindUser, KindVoiceChannelStates, KindVoiceState,
}

// arity is the number of ids each kind is looked up by. Two-id kinds take
// (guild, user) or, for messages, (channel, message).
var arity = map[Kind]int{
	KindCurrentUser:        0,
	KindGuildChannel:       1,
	KindEmoji:              1,
	KindGroup:              1,
	KindGuild:              1,
	KindMember:             2,
	KindMessage:            2,
	KindPresence:           2,
	KindPrivateChannel:     1,
	KindRole:               1,
	KindUser:               1,
	KindVoiceChannelStates: 1,
	KindVoiceState:         2,
}

var (
	ErrNotFound     = errors.New("entity not found")
	ErrBadArguments = errors.New("wrong number of arguments for entity kind")
	ErrUnknownKind  = errors.New("unknown entity kind")
)

const DefaultMessageLimit = 100

// Cache is the entity store. The zero value is not usable; use New.
type Cache struct {
	currentUser     *store[struct{}]
	guilds          *store[uint64]
	guildChannels   *store[uint64]
	privateChannels *store[uint64]
	groups          *store[uint64]
	emojis          *store[uint64]
	roles           *store[uint64]
	users           *store[uint64]
	members         *store[pair]
	presences       *store[pair]
	voiceStates     *store[pair]
	messages        *channelMessages
	voice           *voiceChannels
}

// New creates an empty cache keeping at most messageLimit messages per
// channel.
func New(messageLimit int) *Cache {
	if messageLimit < 0 {
		messageLimit = DefaultMessageLimit
	}
	return &Cache{
		currentUser:     newStore[struct{}](),
		guilds:          newStore[uint64](),
		guildChannels:   newStore[uint64](),
		privateChannels: newStore[uint64](),
		groups:          newStore[uint64](),
		emojis:          newStore[uint64](),
		roles:           newStore[uint64](),
		users:           newStore[uint64](),
		members:         newStore[pair](),
		presences:       newStore[pair](),
		voiceStates:     newStore[pair](),
		messages:        newChannelMessages(messageLimit),
		voice:           newVoiceChannels(),
	}
}

// Query returns the serialized entity of kind identified by args.
func (c *Cache) Query(kind Kind, args []uint64) (json.RawMessage, error) {
	want, ok := arity[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(args) != want {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrBadArguments, kind, want, len(args))
	}

	var (
		data  json.RawMessage
		found bool
	)
	switch kind {
	case KindCurrentUser:
		data, found = c.currentUser.get(struct{}{})
	case KindGuildChannel:
		data, found = c.guildChannels.get(args[0])
	case KindEmoji:
		data, found = c.emojis.get(args[0])
	case KindGroup:
		data, found = c.groups.get(args[0])
	case KindGuild:
		data, found = c.guilds.get(args[0])
	case KindMember:
		data, found = c.members.get(pair{args[0], args[1]})
	case KindMessage:
		data, found = c.messages.get(args[0], args[1])
	case KindPresence:
		data, found = c.presences.get(pair{args[0], args[1]})
	case KindPrivateChannel:
		data, found = c.privateChannels.get(args[0])
	case KindRole:
		data, found = c.roles.get(args[0])
	case KindUser:
		data, found = c.users.get(args[0])
	case KindVoiceChannelStates:
		data, found = c.voiceChannelStates(args[0])
	case KindVoiceState:
		data, found = c.voiceStates.get(pair{args[0], args[1]})
	}
	if !found {
		return nil, ErrNotFound
	}
	return data, nil
}

// Counts reports the number of cached entities per kind.
func (c *Cache) Counts() map[string]int {
	return map[string]int{
		string(KindCurrentUser):        c.currentUser.len(),
		string(KindGuild):              c.guilds.len(),
		string(KindGuildChannel):       c.guildChannels.len(),
		string(KindPrivateChannel):     c.privateChannels.len(),
		string(KindGroup):              c.groups.len(),
		string(KindEmoji):              c.emojis.len(),
		string(KindRole):               c.roles.len(),
		string(KindUser):               c.users.len(),
		string(KindMember):             c.members.len(),
		string(KindPresence):           c.presences.len(),
		string(KindVoiceState):         c.voiceStates.len(),
		string(KindVoiceChannelStates): c.voice.len(),
		string(KindMessage):            c.messages.len(),
	}
}

func (c *Cache) voiceChannelStates(channel uint64) (json.RawMessage, bool) {
	keys := c.voice.members(channel)
	if len(keys) == 0 {
		return nil, false
	}
	states := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		if data, ok := c.voiceStates.get(k); ok {
			states = append(states, data)
		}
	}
	if len(states) == 0 {
		return nil, false
	}
	out, err := json.Marshal(states)
	if err != nil {
		return nil, false
	}
	return out, true
}

// voiceChannels indexes voice states by the channel they are connected to.
type voiceChannels struct {
	mu       sync.RWMutex
	channels map[uint64]map[pair]struct{}
	current  map[pair]uint64
}

func newVoiceChannels() *voiceChannels {
	return &voiceChannels{
		channels: make(map[uint64]map[pair]struct{}),
		current:  make(map[pair]uint64),
	}
}

// move records that key is now in channel; zero means disconnected.
func (v *voiceChannels) move(key pair, channel uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if prev, ok := v.current[key]; ok {
		if set := v.channels[prev]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(v.channels, prev)
			}
		}
		delete(v.current, key)
	}
	if channel == 0 {
		return
	}
	set, ok := v.channels[channel]
	if !ok {
		set = make(map[pair]struct{})
		v.channels[channel] = set
	}
	set[key] = struct{}{}
	v.current[key] = channel
}

func (v *voiceChannels) deleteGuild(guild uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key, channel := range v.current {
		if key.a != guild {
			continue
		}
		delete(v.current, key)
		if set := v.channels[channel]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(v.channels, channel)
			}
		}
	}
}

func (v *voiceChannels) members(channel uint64) []pair {
	v.mu.RLock()
	defer v.mu.RUnlock()
	set := v.channels[channel]
	out := make([]pair, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.SortFunc(out, func(x, y pair) int { return cmp.Compare(x.b, y.b) })
	return out
}

func (v *voiceChannels) len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.channels)
}

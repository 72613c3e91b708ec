package cache

import (
	"encoding/json"
	"fmt"
)

const (
	channelTypeDM      = 1
	channelTypeGroupDM = 3
)

// Keys removed from guild payloads before caching; those entities are
// cached in their own collections.
var guildCollections = []string{"channels", "threads", "roles", "emojis", "members", "presences", "voice_states", "stickers"}

type guildPayload struct {
	ID          Snowflake         `json:"id"`
	Unavailable bool              `json:"unavailable"`
	Channels    []json.RawMessage `json:"channels"`
	Roles       []json.RawMessage `json:"roles"`
	Emojis      []json.RawMessage `json:"emojis"`
	Members     []json.RawMessage `json:"members"`
	Presences   []json.RawMessage `json:"presences"`
	VoiceStates []json.RawMessage `json:"voice_states"`
}

type idOnly struct {
	ID Snowflake `json:"id"`
}

type channelPayload struct {
	ID      Snowflake `json:"id"`
	Type    int       `json:"type"`
	GuildID Snowflake `json:"guild_id"`
}

type memberPayload struct {
	GuildID Snowflake       `json:"guild_id"`
	User    json.RawMessage `json:"user"`
}

type presencePayload struct {
	GuildID Snowflake       `json:"guild_id"`
	User    json.RawMessage `json:"user"`
}

type voiceStatePayload struct {
	GuildID   Snowflake `json:"guild_id"`
	ChannelID Snowflake `json:"channel_id"`
	UserID    Snowflake `json:"user_id"`
}

type messagePayload struct {
	ID        Snowflake       `json:"id"`
	ChannelID Snowflake       `json:"channel_id"`
	Author    json.RawMessage `json:"author"`
}

type handler func(*Cache, json.RawMessage) error

var handlers = map[string]handler{
	"READY":               (*Cache).ready,
	"USER_UPDATE":         (*Cache).userUpdate,
	"GUILD_CREATE":        (*Cache).guildCreate,
	"GUILD_UPDATE":        (*Cache).guildUpdate,
	"GUILD_DELETE":        (*Cache).guildDelete,
	"CHANNEL_CREATE":      (*Cache).channelUpsert,
	"CHANNEL_UPDATE":      (*Cache).channelUpsert,
	"CHANNEL_DELETE":      (*Cache).channelDelete,
	"GUILD_ROLE_CREATE":   (*Cache).roleUpsert,
	"GUILD_ROLE_UPDATE":   (*Cache).roleUpsert,
	"GUILD_ROLE_DELETE":   (*Cache).roleDelete,
	"GUILD_EMOJIS_UPDATE": (*Cache).emojisUpdate,
	"GUILD_MEMBER_ADD":    (*Cache).memberAdd,
	"GUILD_MEMBER_UPDATE": (*Cache).memberUpdate,
	"GUILD_MEMBER_REMOVE": (*Cache).memberRemove,
	"GUILD_MEMBERS_CHUNK": (*Cache).membersChunk,
	"MESSAGE_CREATE":      (*Cache).messageCreate,
	"MESSAGE_UPDATE":      (*Cache).messageUpdate,
	"MESSAGE_DELETE":      (*Cache).messageDelete,
	"MESSAGE_DELETE_BULK": (*Cache).messageDeleteBulk,
	"PRESENCE_UPDATE":     (*Cache).presenceUpdate,
	"VOICE_STATE_UPDATE":  (*Cache).voiceStateUpdate,
}

// Update applies a dispatch event. Event types the cache does not track are
// ignored.
func (c *Cache) Update(eventType string, data json.RawMessage) error {
	h, ok := handlers[eventType]
	if !ok {
		return nil
	}
	if err := h(c, data); err != nil {
		return fmt.Errorf("apply %s: %w", eventType, err)
	}
	return nil
}

func (c *Cache) ready(data json.RawMessage) error {
	var ready struct {
		User   json.RawMessage `json:"user"`
		Guilds []idOnly        `json:"guilds"`
	}
	if err := json.Unmarshal(data, &ready); err != nil {
		return err
	}
	if len(ready.User) > 0 {
		c.currentUser.put(struct{}{}, 0, ready.User)
		c.cacheUser(ready.User)
	}
	for _, g := range ready.Guilds {
		id := uint64(g.ID)
		if _, ok := c.guilds.get(id); !ok {
			c.guilds.put(id, id, unavailableGuild(id))
		}
	}
	return nil
}

func (c *Cache) userUpdate(data json.RawMessage) error {
	var user idOnly
	if err := json.Unmarshal(data, &user); err != nil {
		return err
	}
	c.currentUser.put(struct{}{}, 0, data)
	c.users.put(uint64(user.ID), 0, data)
	return nil
}

func (c *Cache) guildCreate(data json.RawMessage) error {
	var g guildPayload
	if err := json.Unmarshal(data, &g); err != nil {
		return err
	}
	id := uint64(g.ID)
	if g.Unavailable {
		c.guilds.put(id, id, unavailableGuild(id))
		return nil
	}

	c.guilds.put(id, id, stripFields(data, guildCollections...))

	channels := make(map[uint64]json.RawMessage, len(g.Channels))
	for _, raw := range g.Channels {
		var ch channelPayload
		if err := json.Unmarshal(raw, &ch); err != nil {
			return fmt.Errorf("channel: %w", err)
		}
		channels[uint64(ch.ID)] = withField(raw, "guild_id", g.ID.String())
	}
	c.guildChannels.replaceGuild(id, channels)

	if err := c.replaceIndexed(c.roles, id, g.Roles); err != nil {
		return fmt.Errorf("roles: %w", err)
	}
	if err := c.replaceIndexed(c.emojis, id, g.Emojis); err != nil {
		return fmt.Errorf("emojis: %w", err)
	}

	c.members.deleteGuild(id)
	for _, raw := range g.Members {
		if err := c.putMember(id, withField(raw, "guild_id", g.ID.String())); err != nil {
			return fmt.Errorf("member: %w", err)
		}
	}
	c.presences.deleteGuild(id)
	for _, raw := range g.Presences {
		if err := c.putPresence(id, withField(raw, "guild_id", g.ID.String())); err != nil {
			return fmt.Errorf("presence: %w", err)
		}
	}
	c.voiceStates.deleteGuild(id)
	c.voice.deleteGuild(id)
	for _, raw := range g.VoiceStates {
		if err := c.putVoiceState(id, withField(raw, "guild_id", g.ID.String())); err != nil {
			return fmt.Errorf("voice state: %w", err)
		}
	}
	return nil
}

func (c *Cache) guildUpdate(data json.RawMessage) error {
	var g guildPayload
	if err := json.Unmarshal(data, &g); err != nil {
		return err
	}
	id := uint64(g.ID)
	c.guilds.patch(id, id, stripFields(data, guildCollections...))
	if g.Roles != nil {
		if err := c.replaceIndexed(c.roles, id, g.Roles); err != nil {
			return fmt.Errorf("roles: %w", err)
		}
	}
	if g.Emojis != nil {
		if err := c.replaceIndexed(c.emojis, id, g.Emojis); err != nil {
			return fmt.Errorf("emojis: %w", err)
		}
	}
	return nil
}

func (c *Cache) guildDelete(data json.RawMessage) error {
	var g guildPayload
	if err := json.Unmarshal(data, &g); err != nil {
		return err
	}
	id := uint64(g.ID)
	if g.Unavailable {
		// An outage; the guild comes back with GUILD_CREATE.
		c.guilds.put(id, id, unavailableGuild(id))
		return nil
	}
	c.guilds.delete(id)
	for _, channel := range c.guildChannels.deleteGuild(id) {
		c.messages.deleteChannel(channel)
	}
	c.roles.deleteGuild(id)
	c.emojis.deleteGuild(id)
	c.members.deleteGuild(id)
	c.presences.deleteGuild(id)
	c.voiceStates.deleteGuild(id)
	c.voice.deleteGuild(id)
	return nil
}

func (c *Cache) channelUpsert(data json.RawMessage) error {
	var ch channelPayload
	if err := json.Unmarshal(data, &ch); err != nil {
		return err
	}
	id := uint64(ch.ID)
	switch ch.Type {
	case channelTypeDM:
		c.privateChannels.put(id, 0, data)
	case channelTypeGroupDM:
		c.groups.put(id, 0, data)
	default:
		c.guildChannels.put(id, uint64(ch.GuildID), data)
	}
	return nil
}

func (c *Cache) channelDelete(data json.RawMessage) error {
	var ch channelPayload
	if err := json.Unmarshal(data, &ch); err != nil {
		return err
	}
	id := uint64(ch.ID)
	switch ch.Type {
	case channelTypeDM:
		c.privateChannels.delete(id)
	case channelTypeGroupDM:
		c.groups.delete(id)
	default:
		c.guildChannels.delete(id)
	}
	c.messages.deleteChannel(id)
	return nil
}

func (c *Cache) roleUpsert(data json.RawMessage) error {
	var ev struct {
		GuildID Snowflake       `json:"guild_id"`
		Role    json.RawMessage `json:"role"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	var role idOnly
	if err := json.Unmarshal(ev.Role, &role); err != nil {
		return fmt.Errorf("role: %w", err)
	}
	c.roles.put(uint64(role.ID), uint64(ev.GuildID), ev.Role)
	return nil
}

func (c *Cache) roleDelete(data json.RawMessage) error {
	var ev struct {
		RoleID Snowflake `json:"role_id"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.roles.delete(uint64(ev.RoleID))
	return nil
}

func (c *Cache) emojisUpdate(data json.RawMessage) error {
	var ev struct {
		GuildID Snowflake         `json:"guild_id"`
		Emojis  []json.RawMessage `json:"emojis"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	return c.replaceIndexed(c.emojis, uint64(ev.GuildID), ev.Emojis)
}

func (c *Cache) memberAdd(data json.RawMessage) error {
	var m memberPayload
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	return c.putMember(uint64(m.GuildID), data)
}

func (c *Cache) memberUpdate(data json.RawMessage) error {
	var m memberPayload
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	user, err := c.cacheUser(m.User)
	if err != nil {
		return err
	}
	guild := uint64(m.GuildID)
	c.members.patch(pair{guild, user}, guild, data)
	return nil
}

func (c *Cache) memberRemove(data json.RawMessage) error {
	var m memberPayload
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	var user idOnly
	if err := json.Unmarshal(m.User, &user); err != nil {
		return fmt.Errorf("user: %w", err)
	}
	guild := uint64(m.GuildID)
	c.members.delete(pair{guild, uint64(user.ID)})
	c.presences.delete(pair{guild, uint64(user.ID)})
	return nil
}

func (c *Cache) membersChunk(data json.RawMessage) error {
	var ev struct {
		GuildID   Snowflake         `json:"guild_id"`
		Members   []json.RawMessage `json:"members"`
		Presences []json.RawMessage `json:"presences"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	guild := uint64(ev.GuildID)
	for _, raw := range ev.Members {
		if err := c.putMember(guild, withField(raw, "guild_id", ev.GuildID.String())); err != nil {
			return fmt.Errorf("member: %w", err)
		}
	}
	for _, raw := range ev.Presences {
		if err := c.putPresence(guild, withField(raw, "guild_id", ev.GuildID.String())); err != nil {
			return fmt.Errorf("presence: %w", err)
		}
	}
	return nil
}

func (c *Cache) messageCreate(data json.RawMessage) error {
	var m messagePayload
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m.Author) > 0 {
		if _, err := c.cacheUser(m.Author); err != nil {
			return fmt.Errorf("author: %w", err)
		}
	}
	c.messages.put(uint64(m.ChannelID), uint64(m.ID), data, false)
	return nil
}

func (c *Cache) messageUpdate(data json.RawMessage) error {
	var m messagePayload
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.messages.put(uint64(m.ChannelID), uint64(m.ID), data, true)
	return nil
}

func (c *Cache) messageDelete(data json.RawMessage) error {
	var m messagePayload
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.messages.delete(uint64(m.ChannelID), uint64(m.ID))
	return nil
}

func (c *Cache) messageDeleteBulk(data json.RawMessage) error {
	var ev struct {
		IDs       []Snowflake `json:"ids"`
		ChannelID Snowflake   `json:"channel_id"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	ids := make([]uint64, len(ev.IDs))
	for i, id := range ev.IDs {
		ids[i] = uint64(id)
	}
	c.messages.delete(uint64(ev.ChannelID), ids...)
	return nil
}

func (c *Cache) presenceUpdate(data json.RawMessage) error {
	var p presencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	return c.putPresence(uint64(p.GuildID), data)
}

func (c *Cache) voiceStateUpdate(data json.RawMessage) error {
	var vs voiceStatePayload
	if err := json.Unmarshal(data, &vs); err != nil {
		return err
	}
	return c.putVoiceState(uint64(vs.GuildID), data)
}

func (c *Cache) putMember(guild uint64, data json.RawMessage) error {
	var m memberPayload
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	user, err := c.cacheUser(m.User)
	if err != nil {
		return err
	}
	c.members.put(pair{guild, user}, guild, data)
	return nil
}

func (c *Cache) putPresence(guild uint64, data json.RawMessage) error {
	var p presencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	user, err := c.cacheUser(p.User)
	if err != nil {
		return err
	}
	c.presences.put(pair{guild, user}, guild, data)
	return nil
}

func (c *Cache) putVoiceState(guild uint64, data json.RawMessage) error {
	var vs voiceStatePayload
	if err := json.Unmarshal(data, &vs); err != nil {
		return err
	}
	key := pair{guild, uint64(vs.UserID)}
	if vs.ChannelID == 0 {
		c.voiceStates.delete(key)
	} else {
		c.voiceStates.put(key, guild, data)
	}
	c.voice.move(key, uint64(vs.ChannelID))
	return nil
}

// cacheUser stores a full user object and returns its id. Partial users
// (presence updates carry only the id) are not stored.
func (c *Cache) cacheUser(data json.RawMessage) (uint64, error) {
	var user struct {
		ID       Snowflake `json:"id"`
		Username *string   `json:"username"`
	}
	if err := json.Unmarshal(data, &user); err != nil {
		return 0, fmt.Errorf("user: %w", err)
	}
	if user.Username != nil {
		c.users.put(uint64(user.ID), 0, data)
	}
	return uint64(user.ID), nil
}

func (c *Cache) replaceIndexed(s *store[uint64], guild uint64, raws []json.RawMessage) error {
	items := make(map[uint64]json.RawMessage, len(raws))
	for _, raw := range raws {
		var e idOnly
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		items[uint64(e.ID)] = raw
	}
	s.replaceGuild(guild, items)
	return nil
}

func unavailableGuild(id uint64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":"%d","unavailable":true}`, id))
}

func stripFields(obj json.RawMessage, keys ...string) json.RawMessage {
	var fields map[string]json.RawMessage
	if json.Unmarshal(obj, &fields) != nil || fields == nil {
		return obj
	}
	for _, k := range keys {
		delete(fields, k)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return obj
	}
	return out
}

// Package redis stores gateway state in redis through go-zero's client.
//
// Layout, with the default "nekoshare" prefix:
//
//	nekoshare:device:<sessionId>      hash   device fields
//	nekoshare:device-id:<deviceId>    string session id the device is bound to
//	nekoshare:user:<userId>           hash   user fields
//	nekoshare:user:<userId>:devices   set    session ids of the user's devices
//	nekoshare:friends:<userId>        set    friend user ids
//	nekoshare:login:<token>           string identity json, single use
//	nekoshare:access:<token>          string identity json
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/zeromicro/go-zero/core/stores/redis"

	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
)

const defaultPrefix = "nekoshare"

const (
	// sets a field only when the hash already exists
	touchScript = `if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0`
	// GET and DEL in one round trip
	consumeScript = `local v = redis.call('GET', KEYS[1])
if v then redis.call('DEL', KEYS[1]) end
return v`
)

type (
	Conf struct {
		redis.RedisConf
		Prefix string `json:",default=nekoshare"`
	}

	Store struct {
		rds    *redis.Redis
		prefix string
	}
)

var _ store.Store = (*Store)(nil)

func New(c Conf) (*Store, error) {
	rds, err := redis.NewRedis(c.RedisConf)
	if err != nil {
		return nil, err
	}
	return NewWithClient(rds, c.Prefix), nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(rds *redis.Redis, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rds: rds, prefix: prefix}
}

func (s *Store) deviceKey(sessionID string) string  { return s.prefix + ":device:" + sessionID }
func (s *Store) deviceIDKey(deviceID string) string { return s.prefix + ":device-id:" + deviceID }
func (s *Store) userKey(userID string) string       { return s.prefix + ":user:" + userID }
func (s *Store) userDevicesKey(userID string) string {
	return s.prefix + ":user:" + userID + ":devices"
}
func (s *Store) friendsKey(userID string) string { return s.prefix + ":friends:" + userID }
func (s *Store) loginKey(token string) string    { return s.prefix + ":login:" + token }
func (s *Store) accessKey(token string) string   { return s.prefix + ":access:" + token }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *Store) PutDevice(ctx context.Context, d store.Device) error {
	if err := s.rds.HmsetCtx(ctx, s.deviceKey(d.SessionID), map[string]string{
		"id":           d.ID,
		"userId":       d.UserID,
		"sessionId":    d.SessionID,
		"name":         d.Name,
		"platform":     d.Platform,
		"fingerprint":  d.Fingerprint,
		"lastActiveAt": formatTime(d.LastActiveAt),
	}); err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	if err := s.rds.SetCtx(ctx, s.deviceIDKey(d.ID), d.SessionID); err != nil {
		return fmt.Errorf("index device id: %w", err)
	}
	if _, err := s.rds.SaddCtx(ctx, s.userDevicesKey(d.UserID), d.SessionID); err != nil {
		return fmt.Errorf("index device: %w", err)
	}
	return nil
}

func (s *Store) DeviceBySession(ctx context.Context, sessionID string) (store.Device, error) {
	fields, err := s.rds.HgetallCtx(ctx, s.deviceKey(sessionID))
	if err != nil {
		return store.Device{}, fmt.Errorf("get device: %w", err)
	}
	if len(fields) == 0 {
		return store.Device{}, store.ErrNotFound
	}
	return store.Device{
		ID:           fields["id"],
		UserID:       fields["userId"],
		SessionID:    fields["sessionId"],
		Name:         fields["name"],
		Platform:     fields["platform"],
		Fingerprint:  fields["fingerprint"],
		LastActiveAt: parseTime(fields["lastActiveAt"]),
	}, nil
}

func (s *Store) touch(ctx context.Context, key, field, value string) (bool, error) {
	res, err := s.rds.EvalCtx(ctx, touchScript, []string{key}, field, value)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *Store) TouchDeviceBySession(ctx context.Context, sessionID string, at time.Time) error {
	ok, err := s.touch(ctx, s.deviceKey(sessionID), "lastActiveAt", formatTime(at))
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateDeviceName(ctx context.Context, sessionID, name string) (store.Device, error) {
	if err := store.ValidateDeviceName(name); err != nil {
		return store.Device{}, err
	}
	ok, err := s.touch(ctx, s.deviceKey(sessionID), "name", name)
	if err != nil {
		return store.Device{}, fmt.Errorf("rename device: %w", err)
	}
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	return s.DeviceBySession(ctx, sessionID)
}

func (s *Store) OwnedDevice(ctx context.Context, userID, deviceID string) (store.Device, error) {
	sid, err := s.rds.GetCtx(ctx, s.deviceIDKey(deviceID))
	if err != nil {
		return store.Device{}, fmt.Errorf("resolve device id: %w", err)
	}
	if sid == "" {
		return store.Device{}, store.ErrNotFound
	}
	d, err := s.DeviceBySession(ctx, sid)
	if err != nil {
		return store.Device{}, err
	}
	if d.ID != deviceID || d.UserID != userID {
		return store.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (s *Store) RenameDevice(ctx context.Context, userID, deviceID, name string) (store.Device, error) {
	if err := store.ValidateDeviceName(name); err != nil {
		return store.Device{}, err
	}
	d, err := s.OwnedDevice(ctx, userID, deviceID)
	if err != nil {
		return store.Device{}, err
	}
	return s.UpdateDeviceName(ctx, d.SessionID, name)
}

func (s *Store) DeleteDevice(ctx context.Context, userID, deviceID string) (store.Device, error) {
	d, err := s.OwnedDevice(ctx, userID, deviceID)
	if err != nil {
		return store.Device{}, err
	}
	if _, err := s.rds.DelCtx(ctx, s.deviceKey(d.SessionID), s.deviceIDKey(d.ID)); err != nil {
		return store.Device{}, fmt.Errorf("delete device: %w", err)
	}
	if _, err := s.rds.SremCtx(ctx, s.userDevicesKey(d.UserID), d.SessionID); err != nil {
		return store.Device{}, fmt.Errorf("unindex device: %w", err)
	}
	return d, nil
}

func (s *Store) DevicesByUser(ctx context.Context, userID string) ([]store.Device, error) {
	sessions, err := s.rds.SmembersCtx(ctx, s.userDevicesKey(userID))
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices := make([]store.Device, 0, len(sessions))
	for _, sid := range sessions {
		d, err := s.DeviceBySession(ctx, sid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	slices.SortFunc(devices, func(a, b store.Device) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return devices, nil
}

func (s *Store) PutUser(ctx context.Context, u store.User) error {
	return s.rds.HmsetCtx(ctx, s.userKey(u.ID), map[string]string{
		"id":           u.ID,
		"name":         u.Name,
		"lastActiveAt": formatTime(u.LastActiveAt),
	})
}

func (s *Store) GetUser(ctx context.Context, userID string) (store.User, error) {
	fields, err := s.rds.HgetallCtx(ctx, s.userKey(userID))
	if err != nil {
		return store.User{}, fmt.Errorf("get user: %w", err)
	}
	if len(fields) == 0 {
		return store.User{}, store.ErrNotFound
	}
	return store.User{
		ID:           fields["id"],
		Name:         fields["name"],
		LastActiveAt: parseTime(fields["lastActiveAt"]),
	}, nil
}

// TouchUser creates the user hash when it does not exist yet.
func (s *Store) TouchUser(ctx context.Context, userID string, at time.Time) error {
	return s.rds.HmsetCtx(ctx, s.userKey(userID), map[string]string{
		"id":           userID,
		"lastActiveAt": formatTime(at),
	})
}

func (s *Store) AddFriendship(ctx context.Context, a, b string) error {
	if _, err := s.rds.SaddCtx(ctx, s.friendsKey(a), b); err != nil {
		return err
	}
	_, err := s.rds.SaddCtx(ctx, s.friendsKey(b), a)
	return err
}

func (s *Store) RemoveFriendship(ctx context.Context, a, b string) error {
	if _, err := s.rds.SremCtx(ctx, s.friendsKey(a), b); err != nil {
		return err
	}
	_, err := s.rds.SremCtx(ctx, s.friendsKey(b), a)
	return err
}

func (s *Store) FriendIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.rds.SmembersCtx(ctx, s.friendsKey(userID))
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) putToken(ctx context.Context, key string, id session.Identity, ttl time.Duration) error {
	body, err := json.Marshal(id)
	if err != nil {
		return err
	}
	seconds := max(int(ttl/time.Second), 1)
	return s.rds.SetexCtx(ctx, key, string(body), seconds)
}

func decodeIdentity(v string) (session.Identity, error) {
	if v == "" {
		return session.Identity{}, store.ErrNotFound
	}
	var id session.Identity
	if err := json.Unmarshal([]byte(v), &id); err != nil {
		return session.Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}

func (s *Store) PutLoginToken(ctx context.Context, token string, id session.Identity, ttl time.Duration) error {
	return s.putToken(ctx, s.loginKey(token), id, ttl)
}

func (s *Store) ConsumeLoginToken(ctx context.Context, token string) (session.Identity, error) {
	res, err := s.rds.EvalCtx(ctx, consumeScript, []string{s.loginKey(token)})
	if errors.Is(err, redis.Nil) {
		return session.Identity{}, store.ErrNotFound
	}
	if err != nil {
		return session.Identity{}, fmt.Errorf("consume login token: %w", err)
	}
	v, _ := res.(string)
	return decodeIdentity(v)
}

func (s *Store) PutAccessToken(ctx context.Context, token string, id session.Identity, ttl time.Duration) error {
	return s.putToken(ctx, s.accessKey(token), id, ttl)
}

func (s *Store) ResolveAccessToken(ctx context.Context, token string) (session.Identity, error) {
	v, err := s.rds.GetCtx(ctx, s.accessKey(token))
	if err != nil {
		return session.Identity{}, fmt.Errorf("resolve access token: %w", err)
	}
	return decodeIdentity(v)
}

// Close is a no-op: go-zero shares and manages the underlying client.
func (s *Store) Close() error {
	return nil
}

package presence

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

// upsertScript keeps first_connected from the first heartbeat and clamps
// last_heartbeat so it never precedes it. Timestamps are unix microseconds.
var upsertScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'first_connected', ARGV[1])
local first = redis.call('HGET', KEYS[1], 'first_connected')
local last = ARGV[1]
if tonumber(last) < tonumber(first) then
	last = first
end
redis.call('HSET', KEYS[1],
	'company_name', ARGV[2], 'employee_id', ARGV[3], 'machine_id', ARGV[4],
	'display_name', ARGV[5], 'ip_address', ARGV[6], 'os_version', ARGV[7],
	'machine_name', ARGV[8], 'app_version', ARGV[9], 'department', ARGV[10],
	'last_heartbeat', last)
redis.call('ZADD', KEYS[2], last, KEYS[1])
return {first, last}
`)

// RedisStore keeps one hash per device and a sorted set per company scored
// by last heartbeat.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store. Keys are namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "workpulse"
	}
	return &RedisStore{client: client, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

// deviceKey escapes each part so ':' inside an ID cannot merge two
// identities into one key.
func (r *RedisStore) deviceKey(id Identity) string {
	return strings.Join([]string{
		r.prefix, "device",
		url.QueryEscape(id.CompanyName),
		url.QueryEscape(id.EmployeeID),
		url.QueryEscape(id.MachineID),
	}, ":")
}

func (r *RedisStore) indexKey(companyName string) string {
	return r.prefix + ":devices:" + url.QueryEscape(companyName)
}

func (r *RedisStore) Upsert(ctx context.Context, id Identity, snap Snapshot, now time.Time) (Device, error) {
	res, err := upsertScript.Run(ctx, r.client,
		[]string{r.deviceKey(id), r.indexKey(id.CompanyName)},
		strconv.FormatInt(now.UnixMicro(), 10),
		id.CompanyName, id.EmployeeID, id.MachineID,
		snap.DisplayName, snap.IPAddress, snap.OSVersion,
		snap.MachineName, snap.AppVersion, snap.Department,
	).StringSlice()
	if err != nil {
		return Device{}, xerrors.Errorf("upsert device: %w", err)
	}
	if len(res) != 2 {
		return Device{}, xerrors.Errorf("upsert device: unexpected reply %v", res)
	}
	first, err := parseMicros(res[0])
	if err != nil {
		return Device{}, err
	}
	last, err := parseMicros(res[1])
	if err != nil {
		return Device{}, err
	}
	return Device{Identity: id, Snapshot: snap, FirstConnected: first, LastHeartbeat: last}, nil
}

func (r *RedisStore) Get(ctx context.Context, id Identity) (*Device, error) {
	fields, err := r.client.HGetAll(ctx, r.deviceKey(id)).Result()
	if err != nil {
		return nil, xerrors.Errorf("hgetall device: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	d, err := decodeDevice(fields)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *RedisStore) List(ctx context.Context, companyName string) ([]Device, error) {
	keys, err := r.client.ZRevRange(ctx, r.indexKey(companyName), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Errorf("zrevrange devices: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("load devices: %w", err)
	}
	out := make([]Device, 0, len(keys))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		d, err := decodeDevice(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	SortDevices(out)
	return out, nil
}

func decodeDevice(f map[string]string) (Device, error) {
	first, err := parseMicros(f["first_connected"])
	if err != nil {
		return Device{}, err
	}
	last, err := parseMicros(f["last_heartbeat"])
	if err != nil {
		return Device{}, err
	}
	return Device{
		Identity: Identity{
			CompanyName: f["company_name"],
			EmployeeID:  f["employee_id"],
			MachineID:   f["machine_id"],
		},
		Snapshot: Snapshot{
			DisplayName: f["display_name"],
			IPAddress:   f["ip_address"],
			OSVersion:   f["os_version"],
			MachineName: f["machine_name"],
			AppVersion:  f["app_version"],
			Department:  f["department"],
		},
		FirstConnected: first,
		LastHeartbeat:  last,
	}, nil
}

func parseMicros(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, xerrors.Errorf("parse timestamp %q: %w", s, err)
	}
	return time.UnixMicro(v).UTC(), nil
}

// Package osconfremote is an optional distributed configuration source:
// it lets a process resolve its Configuration YAML document from an etcd
// key instead of a local file, and hot-reload it whenever a newer revision
// is published. It also offers a purely operational "announce" registration
// so running processes are visible in etcd, independent of the transport
// core itself.
//
// Grounded on the teacher's registry/etcd_registry.go: Watch's
// re-fetch-on-event shape and Register's lease/TTL shape are reused here
// against a configuration key and a process-announcement key respectively.
package osconfremote

import (
	"context"

	"github.com/coreos/go-semver/semver"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gopkg.in/yaml.v3"

	"github.com/berick/opensrf-go/oserr"
)

type versionProbe struct {
	LogDefaults struct {
		ConfigVersion string `yaml:"config_version"`
	} `yaml:"log_defaults"`
}

func configVersion(doc []byte) *semver.Version {
	var probe versionProbe
	if err := yaml.Unmarshal(doc, &probe); err != nil || probe.LogDefaults.ConfigVersion == "" {
		return nil
	}
	v, err := semver.NewVersion(probe.LogDefaults.ConfigVersion)
	if err != nil {
		return nil
	}
	return v
}

// WatchYAML fetches the current value at key as the initial document, then
// emits a new document on the returned channel each time a watched change's
// config_version is strictly greater than the last seen version. A change
// with an equal, absent, or unparsable version is ignored, which keeps a
// stale concurrent writer from reloading a newer in-memory Configuration.
func WatchYAML(ctx context.Context, client *clientv3.Client, key string) (<-chan []byte, error) {
	resp, err := client.Get(ctx, key)
	if err != nil {
		return nil, oserr.New(oserr.KindBrokerUnreachable, "fetch initial configuration from etcd", err)
	}

	ch := make(chan []byte, 1)
	var last *semver.Version

	if len(resp.Kvs) > 0 {
		doc := resp.Kvs[0].Value
		last = configVersion(doc)
		ch <- doc
	}

	go func() {
		defer close(ch)
		watchChan := client.Watch(ctx, key)
		for wresp := range watchChan {
			for _, ev := range wresp.Events {
				if ev.Kv == nil {
					continue
				}
				v := configVersion(ev.Kv.Value)
				if v == nil {
					continue
				}
				if last != nil && !last.LessThan(*v) {
					continue
				}
				last = v
				select {
				case ch <- ev.Kv.Value:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// Announce registers this process's resolved primary connection under
// /opensrf/<domain>/<profile>/<hostname> with a TTL lease, purely as an
// operational visibility aid — nothing in the transport core consults this
// registration.
func Announce(ctx context.Context, client *clientv3.Client, domain, profile, hostname string, ttlSeconds int64) error {
	lease, err := client.Grant(ctx, ttlSeconds)
	if err != nil {
		return oserr.New(oserr.KindBrokerUnreachable, "grant etcd lease", err)
	}

	key := "/opensrf/" + domain + "/" + profile + "/" + hostname
	if _, err := client.Put(ctx, key, "up", clientv3.WithLease(lease.ID)); err != nil {
		return oserr.New(oserr.KindBrokerUnreachable, "put etcd announcement", err)
	}

	keepAlive, err := client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return oserr.New(oserr.KindBrokerUnreachable, "start etcd lease keepalive", err)
	}
	go func() {
		for range keepAlive {
		}
	}()
	return nil
}

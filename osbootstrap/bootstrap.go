// Package osbootstrap wires a Configuration into a running TransportClient:
// the six-step startup sequence every process — client or service — goes
// through once before it can send or receive (see the transport
// specification, Bootstrap).
package osbootstrap

import (
	"context"
	"os"
	"sync"

	"github.com/berick/opensrf-go/osbus"
	"github.com/berick/opensrf-go/osconf"
	"github.com/berick/opensrf-go/oserr"
	"github.com/berick/opensrf-go/oslog"
	"github.com/berick/opensrf-go/ostransport"
)

// InitOptions configures one bootstrap run.
type InitOptions struct {
	// Existing, when non-nil, short-circuits bootstrap entirely: the
	// caller already holds a live TransportClient (e.g. a forked worker
	// that inherited one) and just wants it wrapped in a Context.
	Existing *ostransport.Client

	ConfigFile string // if set, loaded and installed as the default Configuration
	Domain     string
	Profile    string
	Service    string // non-empty to bootstrap a service worker instead of a bare client

	BusOptions []osbus.Option
}

// Context bundles the two process-wide singletons the transport
// specification's design notes call out explicitly — the TransportClient
// and the Configuration — plus the installed log sink, so callers (and
// tests) can carry an independent bootstrap result instead of reaching
// through package-level statics.
type Context struct {
	TransportClient *ostransport.Client
	Config          *osconf.Config
	Log             *oslog.Sink
}

// Init performs the six-step bootstrap: resolve configuration, resolve the
// primary connection, install logging, build and connect the transport
// client, and publish it as the process-global default.
func Init(ctx context.Context, opts InitOptions) (*Context, error) {
	if opts.Existing != nil {
		return &Context{TransportClient: opts.Existing, Config: osconf.DefaultConfig()}, nil
	}

	cfg := osconf.DefaultConfig()
	if opts.ConfigFile != "" {
		loaded, err := loadConfigFile(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		osconf.SetDefaultConfig(loaded)
		cfg = loaded
	}
	if cfg == nil {
		return nil, oserr.New(oserr.KindConfigInvalid, "no configuration file given and no default Configuration installed", nil)
	}

	resolved, err := cfg.SetPrimaryConnection(opts.Domain, opts.Profile)
	if err != nil {
		return nil, err
	}

	sink, err := oslog.Install(oslog.Options{
		LogFile:             resolved.Log.LogFile,
		LogLevel:            resolved.Log.LogLevel,
		SyslogFacility:      resolved.Log.SyslogFacility,
		ActivityLogFacility: resolved.Log.ActivityLogFacility,
		LogTag:              resolved.Log.LogTag,
		ProtectedPrefixes:   resolved.Log.ProtectedPrefixes,
	})
	if err != nil {
		return nil, err
	}

	busOpts := opts.BusOptions
	if resolved.Log.SendRate > 0 {
		busOpts = append(busOpts, osbus.WithSendRate(resolved.Log.SendRate, int(resolved.Log.SendRate)))
	}
	busOpts = append(busOpts, osbus.WithLogSink(sink))

	creds := ostransport.Credentials{
		Port:     resolved.Port,
		Username: resolved.Creds.Username,
		Password: resolved.Creds.Password,
	}
	tc := ostransport.New(opts.Domain, creds, opts.Service, sink, busOpts...)

	if opts.Service != "" {
		err = tc.ConnectAsService(ctx)
	} else {
		err = tc.Connect(ctx)
	}
	if err != nil {
		sink.Close()
		return nil, err
	}

	SetGlobal(tc)
	return &Context{TransportClient: tc, Config: cfg, Log: sink}, nil
}

func loadConfigFile(path string) (*osconf.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, oserr.New(oserr.KindConfigInvalid, "open configuration file", err)
	}
	defer f.Close()
	return osconf.Load(f)
}

// Teardown disconnects the transport client, clears the process-global
// handle, and closes the log sink — in that order, so nothing can observe
// a closed sink while the client is still tearing down its streams.
func Teardown(ctx context.Context, c *Context) error {
	var err error
	if c.TransportClient != nil {
		err = c.TransportClient.Disconnect(ctx)
	}
	SetGlobal(nil)
	if c.Log != nil {
		if closeErr := c.Log.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

var globalMu sync.Mutex
var globalClient *ostransport.Client

// Global returns the process-global TransportClient published by the most
// recent successful Init — the osrfSystemGetTransportClient() of the
// transport specification's upward interface.
func Global() *ostransport.Client {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalClient
}

// SetGlobal installs tc (which may be nil) as the process-global
// TransportClient.
func SetGlobal(tc *ostransport.Client) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalClient = tc
}
